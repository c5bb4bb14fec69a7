package service

import (
	"context"
	"time"

	"github.com/popeskul/modelserve/internal/loader"
)

type ModelService interface {
	Predict(ctx context.Context, text string) (*Prediction, error)
	EnsureReady(ctx context.Context, timeout time.Duration) bool
	Status() loader.Status
	IsLoaded() bool
}
