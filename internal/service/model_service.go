// Package service provides the inference business logic built on top of
// the background model loader.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/loader"
)

// ErrEmptyInput is returned when a prediction is requested for blank text.
var ErrEmptyInput = errors.New("input text is empty")

// Model is the resource loaded in the background: a linear text scorer
// with per-term weights.
type Model struct {
	Name    string             `json:"name"`
	Version string             `json:"version"`
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// Prediction is the outcome of scoring one input.
type Prediction struct {
	Model   string
	Version string
	Label   string
	Score   float64
}

type modelService struct {
	loader *loader.Loader[Model]
	logger *zap.Logger
}

// NewModelService creates the model service around an already constructed
// loader. The loader may still be loading; Predict waits briefly and
// reports unavailability instead of blocking the request.
func NewModelService(l *loader.Loader[Model], logger *zap.Logger) ModelService {
	return &modelService{
		loader: l,
		logger: logger,
	}
}

// Predict scores text with the loaded model.
func (s *modelService) Predict(ctx context.Context, text string) (*Prediction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	model, err := s.loader.Resource()
	if err != nil {
		return nil, err
	}

	score := model.Bias
	for _, term := range strings.Fields(strings.ToLower(text)) {
		score += model.Weights[strings.Trim(term, ".,!?\"'")]
	}

	label := "negative"
	if score >= 0 {
		label = "positive"
	}

	return &Prediction{
		Model:   model.Name,
		Version: model.Version,
		Label:   label,
		Score:   score,
	}, nil
}

// EnsureReady waits up to timeout for the model to finish loading.
func (s *modelService) EnsureReady(ctx context.Context, timeout time.Duration) bool {
	return s.loader.EnsureLoaded(ctx, timeout)
}

// Status reports the loader snapshot.
func (s *modelService) Status() loader.Status {
	return s.loader.Status()
}

// IsLoaded reports whether the model is available.
func (s *modelService) IsLoaded() bool {
	return s.loader.IsLoaded()
}
