package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/api"
	"github.com/popeskul/modelserve/internal/handler"
	"github.com/popeskul/modelserve/internal/health"
	"github.com/popeskul/modelserve/internal/loader"
	"github.com/popeskul/modelserve/internal/service"
)

type stubProber struct {
	running bool
}

func (s stubProber) IsRunning() bool {
	return s.running
}

func newLoadedModel(t *testing.T) service.ModelService {
	t.Helper()

	l := loader.New("model", nil, func(ctx context.Context) (*service.Model, error) {
		return &service.Model{
			Name:    "sentiment",
			Version: "3",
			Weights: map[string]float64{"good": 1},
		}, nil
	}, loader.Config{}, zap.NewNop())

	svc := service.NewModelService(l, zap.NewNop())
	require.True(t, svc.EnsureReady(context.Background(), 2*time.Second))
	return svc
}

func newFailedModel(t *testing.T) service.ModelService {
	t.Helper()

	l := loader.New("model", nil, func(ctx context.Context) (*service.Model, error) {
		return nil, errors.New("registry down")
	}, loader.Config{}, zap.NewNop())

	svc := service.NewModelService(l, zap.NewNop())
	require.False(t, svc.EnsureReady(context.Background(), 2*time.Second))
	return svc
}

func newHandler(t *testing.T, model service.ModelService, setup func(m *health.Manager)) *handler.Handler {
	t.Helper()

	m := health.NewManager(health.Config{}, zap.NewNop())
	if setup != nil {
		setup(m)
	}
	return handler.NewHandler("modelserve-test", model, m, stubProber{running: true}, zap.NewNop())
}

func TestHandler_Liveness(t *testing.T) {
	h := newHandler(t, newLoadedModel(t), nil)

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.LiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
}

func TestHandler_Readiness(t *testing.T) {
	errDown := errors.New("dial tcp 10.0.0.5:5432: connection refused")

	tests := []struct {
		name       string
		setup      func(m *health.Manager)
		wantCode   int
		wantDetail string
	}{
		{
			name:       "startup incomplete",
			setup:      nil,
			wantCode:   http.StatusServiceUnavailable,
			wantDetail: "startup in progress",
		},
		{
			name: "ready with healthy dependencies",
			setup: func(m *health.Manager) {
				m.RegisterDependency("db", health.CheckFunc(func(ctx context.Context) error { return nil }))
				m.MarkStartupComplete()
			},
			wantCode: http.StatusOK,
		},
		{
			name: "failing dependency yields 503 naming it",
			setup: func(m *health.Manager) {
				m.RegisterDependency("db", health.CheckFunc(func(ctx context.Context) error { return errDown }))
				m.MarkStartupComplete()
			},
			wantCode:   http.StatusServiceUnavailable,
			wantDetail: "db",
		},
		{
			name: "critical startup failure yields a distinct 503",
			setup: func(m *health.Manager) {
				m.RecordStartupFailure("model", errors.New("cuda device missing"), true)
				m.MarkStartupComplete()
			},
			wantCode:   http.StatusServiceUnavailable,
			wantDetail: "critical startup failure in model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, newLoadedModel(t), tt.setup)

			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode == http.StatusOK {
				var resp api.ReadyResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "healthy", resp.Status)
				assert.Equal(t, "modelserve-test", resp.Service)
				assert.Equal(t, "loaded", resp.Components["model"])
				assert.Equal(t, "running", resp.Components["prober"])
				assert.Contains(t, resp.Dependencies, "db")
				assert.True(t, resp.HealthDetails["db"].Available)
				return
			}

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Detail, tt.wantDetail)
		})
	}
}

func TestHandler_ReadinessTruncatesLongErrors(t *testing.T) {
	longErr := errors.New(strings.Repeat("x", 500))

	h := newHandler(t, newLoadedModel(t), func(m *health.Manager) {
		m.RegisterDependency("db", health.CheckFunc(func(ctx context.Context) error { return longErr }))
		m.MarkStartupComplete()
	})

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Less(t, len(resp.Detail), 300)
	assert.Contains(t, resp.Detail, "...")
}

func TestHandler_Dependencies(t *testing.T) {
	errDown := errors.New("connection refused")

	h := newHandler(t, newLoadedModel(t), func(m *health.Manager) {
		m.RegisterDependency("db", health.CheckFunc(func(ctx context.Context) error { return nil }))
		m.RegisterDependency("cache", health.CheckFunc(func(ctx context.Context) error { return errDown }))
		m.MarkStartupComplete()
	})

	rec := httptest.NewRecorder()
	h.Dependencies(rec, httptest.NewRequest(http.MethodGet, "/health/dependencies", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.DependenciesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Dependencies, 2)

	assert.Equal(t, "healthy", resp.Dependencies["db"].Status)
	assert.True(t, resp.Dependencies["db"].Available)

	assert.Equal(t, "unhealthy", resp.Dependencies["cache"].Status)
	assert.False(t, resp.Dependencies["cache"].Available)
	assert.Contains(t, resp.Dependencies["cache"].Error, "connection refused")
	assert.NotEmpty(t, resp.Dependencies["cache"].ErrorType)
}

func TestHandler_ModelStatus(t *testing.T) {
	h := newHandler(t, newLoadedModel(t), nil)

	rec := httptest.NewRecorder()
	h.ModelStatus(rec, httptest.NewRequest(http.MethodGet, "/model/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ModelStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Model.Loaded)
	assert.Equal(t, loader.MethodDownload, resp.Model.Method)
}

func TestHandler_Predict(t *testing.T) {
	tests := []struct {
		name     string
		model    func(t *testing.T) service.ModelService
		body     string
		wantCode int
	}{
		{
			name:     "success",
			model:    newLoadedModel,
			body:     `{"text":"good stuff"}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "empty text",
			model:    newLoadedModel,
			body:     `{"text":""}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			model:    newLoadedModel,
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "model failed to load",
			model:    newFailedModel,
			body:     `{"text":"good"}`,
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, tt.model(t), nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/predict", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.Predict(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode == http.StatusOK {
				var resp api.PredictResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "sentiment", resp.Model)
				assert.Equal(t, "positive", resp.Label)
			}
		})
	}
}
