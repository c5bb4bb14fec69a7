package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// postWithRetry runs the POST with exponential capped backoff. Every
// attempt is logged with its number and outcome; the error of the final
// attempt is returned as-is.
func (c *Client) postWithRetry(ctx context.Context, path string, body, out any) error {
	backoff := retry.WithMaxRetries(
		uint64(c.cfg.MaxRetries-1),
		retry.WithCappedDuration(
			c.cfg.RetryMaxDelay,
			retry.NewExponential(c.cfg.RetryBaseDelay),
		),
	)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		attemptErr := c.do(ctx, http.MethodPost, path, body, out)
		if attemptErr == nil {
			if attempt > 1 {
				c.logger.Info("Request succeeded after retry",
					zap.String("peer", c.name),
					zap.String("path", path),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		c.logger.Warn("Request attempt failed",
			zap.String("peer", c.name),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(attemptErr),
		)

		if !isRetryable(attemptErr) {
			return attemptErr
		}
		return retry.RetryableError(attemptErr)
	})
	if err != nil {
		c.logger.Error("Request failed after retries",
			zap.String("peer", c.name),
			zap.String("path", path),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}

// isRetryable classifies an attempt error. Context cancellation is never
// retried since the next attempt would fail the same way; client errors
// other than 408 and 429 indicate a bad request rather than a transient
// condition.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 408 || statusErr.Code == 429:
			return true
		case statusErr.Code >= 500:
			return true
		default:
			return false
		}
	}

	// Network-level failures are assumed transient.
	return true
}
