// Package handler provides the HTTP handlers for the health and model
// endpoints. Handlers are thin: they translate health-manager and loader
// output into status codes and JSON bodies.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/api"
	"github.com/popeskul/modelserve/internal/health"
	"github.com/popeskul/modelserve/internal/loader"
	"github.com/popeskul/modelserve/internal/middleware"
	"github.com/popeskul/modelserve/internal/service"
)

// maxDetailLen caps error text crossing the HTTP boundary.
const maxDetailLen = 200

// predictWaitTimeout bounds how long a prediction request waits for a
// model still loading before giving up with a 503.
const predictWaitTimeout = 100 * time.Millisecond

type RunningReporter interface {
	IsRunning() bool
}

type Handler struct {
	serviceName string
	model       service.ModelService
	health      *health.Manager
	prober      RunningReporter
	logger      *zap.Logger
}

// NewHandler creates the endpoint handler set.
func NewHandler(serviceName string, model service.ModelService, healthMgr *health.Manager, prober RunningReporter, logger *zap.Logger) *Handler {
	return &Handler{
		serviceName: serviceName,
		model:       model,
		health:      healthMgr,
		prober:      prober,
		logger:      logger,
	}
}

// Liveness implements GET /health/live. It answers 200 whenever the
// process runs and deliberately consults nothing else.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.LiveResponse{
		Status:    "alive",
		Timestamp: time.Now(),
	})
}

// Readiness implements GET /health/ready.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	result := h.health.HealthStatus(r.Context())

	if !result.Ready {
		h.sendError(w, r, http.StatusServiceUnavailable, readinessDetail(result))
		return
	}

	names := make([]string, 0, len(result.Dependencies))
	for name := range result.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	render.JSON(w, r, api.ReadyResponse{
		Status:        string(result.Status),
		Service:       h.serviceName,
		Components:    h.components(),
		Dependencies:  names,
		HealthDetails: result.Dependencies,
	})
}

// Dependencies implements GET /health/dependencies: the full
// per-dependency map regardless of readiness, for observability tooling.
func (h *Handler) Dependencies(w http.ResponseWriter, r *http.Request) {
	result := h.health.HealthStatus(r.Context())

	render.JSON(w, r, api.DependenciesResponse{
		Dependencies: result.Dependencies,
	})
}

// ModelStatus implements GET /model/status.
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.ModelStatusResponse{
		Model: h.model.Status(),
	})
}

// Predict implements POST /v1/predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req api.PredictRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.model.EnsureReady(r.Context(), predictWaitTimeout) {
		h.sendError(w, r, http.StatusServiceUnavailable, "model is not loaded")
		return
	}

	prediction, err := h.model.Predict(r.Context(), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyInput):
			h.sendError(w, r, http.StatusBadRequest, "text must not be empty")
		case errors.Is(err, loader.ErrNotLoaded), errors.Is(err, loader.ErrLoadFailed):
			h.sendError(w, r, http.StatusServiceUnavailable, "model is not loaded")
		default:
			requestID := middleware.GetRequestID(r.Context())
			h.logger.Error("Prediction failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			h.sendError(w, r, http.StatusInternalServerError, "prediction failed")
		}
		return
	}

	render.JSON(w, r, api.PredictResponse{
		Model:   prediction.Model,
		Version: prediction.Version,
		Label:   prediction.Label,
		Score:   prediction.Score,
	})
}

// components summarizes the in-process component states included in the
// readiness body.
func (h *Handler) components() map[string]string {
	components := map[string]string{
		"model": "not_loaded",
	}

	status := h.model.Status()
	switch {
	case status.Loaded:
		components["model"] = "loaded"
	case status.Loading:
		components["model"] = "loading"
	case status.Error != "":
		components["model"] = "failed"
	}

	if h.prober != nil {
		if h.prober.IsRunning() {
			components["prober"] = "running"
		} else {
			components["prober"] = "stopped"
		}
	}

	return components
}

// readinessDetail builds the 503 detail: which gate failed and which
// dependencies are down, with error text truncated.
func readinessDetail(result health.Result) string {
	if result.StartupFailure != nil && result.StartupFailure.Critical {
		return fmt.Sprintf("critical startup failure in %s: %s",
			result.StartupFailure.Component,
			truncate(result.StartupFailure.Message, maxDetailLen))
	}

	var failing []string
	for name, dep := range result.Dependencies {
		if !dep.Available {
			if dep.Error != "" {
				failing = append(failing, fmt.Sprintf("%s (%s)", name, truncate(dep.Error, maxDetailLen)))
			} else {
				failing = append(failing, name)
			}
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		return "dependencies unavailable: " + strings.Join(failing, ", ")
	}

	return "startup in progress"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, statusCode int, detail string) {
	render.Status(r, statusCode)
	render.JSON(w, r, api.ErrorResponse{Detail: detail})
}
