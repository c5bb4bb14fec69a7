package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/api"
)

// Recovery turns handler panics into 500 responses. The panic value and
// stack go to the log, never to the client.
func Recovery(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
					)

					render.Status(r, http.StatusInternalServerError)
					render.JSON(w, r, api.ErrorResponse{Detail: detailInternal})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
