package health

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/popeskul/modelserve/internal/client"
)

// PostgresChecker reports the reachability of a Postgres-backed metadata
// store.
func PostgresChecker(db *sqlx.DB) Checker {
	return CheckFunc(func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// RedisChecker reports the reachability of a Redis feature cache.
func RedisChecker(c *redis.Client) Checker {
	return CheckFunc(func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	})
}

// LoadedReporter is the subset of a resource loader the health manager
// needs: a lock-free loaded flag.
type LoadedReporter interface {
	IsLoaded() bool
}

// LoaderChecker reports whether a background-loaded resource is ready.
func LoaderChecker(name string, l LoadedReporter) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if !l.IsLoaded() {
			return fmt.Errorf("resource %q is not loaded", name)
		}
		return nil
	})
}

// PeerChecker reports the health of a sibling service through its
// resilient client, reusing the client's probe cache and startup grace.
func PeerChecker(c *client.Client) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if !c.CheckHealth(ctx) {
			return fmt.Errorf("peer %q is unhealthy", c.Name())
		}
		return nil
	})
}
