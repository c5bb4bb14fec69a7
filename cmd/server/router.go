package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/popeskul/modelserve/internal/handler"
)

func setupRouter(h *handler.Handler) http.Handler {
	r := chi.NewRouter()

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", h.Liveness)
		r.Get("/ready", h.Readiness)
		r.Get("/dependencies", h.Dependencies)
	})

	r.Get("/model/status", h.ModelStatus)

	r.Post("/v1/predict", h.Predict)

	return r
}
