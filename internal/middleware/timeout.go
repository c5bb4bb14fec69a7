package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/popeskul/modelserve/internal/api"
)

// Timeout bounds the time a handler may spend on one request. The
// handler keeps running in its goroutine after the deadline; it sees
// the cancelled context and is expected to unwind on its own.
func Timeout(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(w, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					render.Status(r, http.StatusRequestTimeout)
					render.JSON(w, r, api.ErrorResponse{Detail: detailTimeout})
				}
			}
		})
	}
}
