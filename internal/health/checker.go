package health

import "context"

// Checker probes a single dependency. A nil return means available; any
// error means unavailable, with the error carried into the health detail.
// Implementations must honor ctx, which carries the check timeout.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts an ordinary context-aware function to the Checker
// interface.
type CheckFunc func(ctx context.Context) error

// Check implements Checker.
func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// CheckBlocking adapts a plain blocking function that knows nothing about
// contexts. The function runs on its own goroutine so a slow or stuck
// probe cannot hold up the caller past the check timeout; on timeout the
// goroutine is left to finish on its own and its result is discarded.
func CheckBlocking(fn func() error) Checker {
	return CheckFunc(func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			done <- fn()
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
