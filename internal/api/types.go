// Package api defines the HTTP payload types served by the health and
// model endpoints.
package api

import (
	"time"

	"github.com/popeskul/modelserve/internal/health"
	"github.com/popeskul/modelserve/internal/loader"
)

// LiveResponse is returned by GET /health/live whenever the process runs.
type LiveResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the 200 body of GET /health/ready.
type ReadyResponse struct {
	Status        string                             `json:"status"`
	Service       string                             `json:"service"`
	Components    map[string]string                  `json:"components"`
	Dependencies  []string                           `json:"dependencies"`
	HealthDetails map[string]health.DependencyStatus `json:"health_details"`
}

// DependenciesResponse is the body of GET /health/dependencies.
type DependenciesResponse struct {
	Dependencies map[string]health.DependencyStatus `json:"dependencies"`
}

// ModelStatusResponse is the body of GET /model/status.
type ModelStatusResponse struct {
	Model loader.Status `json:"model"`
}

// PredictRequest is the input of POST /v1/predict.
type PredictRequest struct {
	Text string `json:"text"`
}

// PredictResponse is the output of POST /v1/predict.
type PredictResponse struct {
	Model   string  `json:"model"`
	Version string  `json:"version"`
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
}

// ErrorResponse is the error body for 4xx/5xx responses. Detail is
// truncated and type-tagged upstream; raw internals never cross this
// boundary.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
