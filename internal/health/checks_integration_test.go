package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/health"
)

func setupTestPostgres(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return db, cleanup
}

func TestPostgresChecker_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	db, cleanup := setupTestPostgres(t)
	defer cleanup()

	checker := health.PostgresChecker(db)
	assert.NoError(t, checker.Check(context.Background()))

	m := health.NewManager(health.Config{}, zap.NewNop())
	m.RegisterDependency("postgres", checker)
	m.MarkStartupComplete()
	assert.True(t, m.CheckReady(context.Background()))

	// Closing the pool makes the dependency report unavailable once the
	// cached verdict ages out; a fresh manager checks immediately.
	require.NoError(t, db.Close())
	m2 := health.NewManager(health.Config{}, zap.NewNop())
	m2.RegisterDependency("postgres", checker)
	m2.MarkStartupComplete()
	assert.False(t, m2.CheckReady(context.Background()))
}

func TestRedisChecker_UnreachableServer(t *testing.T) {
	// A client pointing at a closed port simulates a disconnected cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "localhost:9",
		DialTimeout: 200 * time.Millisecond,
	})
	defer func() {
		_ = rdb.Close()
	}()

	checker := health.RedisChecker(rdb)
	assert.Error(t, checker.Check(context.Background()))
}
