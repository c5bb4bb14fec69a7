package prober_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/prober"
)

func TestProber_StartStop(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(p *prober.Prober)
		action        func(p *prober.Prober) error
		expectedError error
	}{
		{
			name:          "start succeeds",
			setup:         func(p *prober.Prober) {},
			action:        func(p *prober.Prober) error { return p.Start(context.Background()) },
			expectedError: nil,
		},
		{
			name: "double start fails",
			setup: func(p *prober.Prober) {
				require.NoError(t, p.Start(context.Background()))
			},
			action:        func(p *prober.Prober) error { return p.Start(context.Background()) },
			expectedError: prober.ErrProberAlreadyRunning,
		},
		{
			name:          "stop without start fails",
			setup:         func(p *prober.Prober) {},
			action:        func(p *prober.Prober) error { return p.Stop() },
			expectedError: prober.ErrProberNotRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := prober.New(zap.NewNop(), 50*time.Millisecond, func(ctx context.Context) error {
				return nil
			})
			defer func() {
				if p.IsRunning() {
					_ = p.Stop()
				}
			}()

			tt.setup(p)
			assert.Equal(t, tt.expectedError, tt.action(p))
		})
	}
}

func TestProber_RunsTaskPeriodically(t *testing.T) {
	var runs atomic.Int32
	p := prober.New(zap.NewNop(), 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, p.Start(context.Background()))
	time.Sleep(90 * time.Millisecond)
	require.NoError(t, p.Stop())

	// One immediate run plus several ticks.
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
	assert.False(t, p.IsRunning())
}

func TestProber_ConcurrentStopIsSafe(t *testing.T) {
	p := prober.New(zap.NewNop(), 10*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	const stoppers = 8
	errs := make([]error, stoppers)
	var wg sync.WaitGroup
	for i := 0; i < stoppers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Stop()
		}(i)
	}
	wg.Wait()

	// Exactly one caller stops the loop; the rest see it already stopped.
	var stopped int
	for _, err := range errs {
		if err == nil {
			stopped++
		} else {
			assert.ErrorIs(t, err, prober.ErrProberNotRunning)
		}
	}
	assert.Equal(t, 1, stopped)
	assert.False(t, p.IsRunning())
}

func TestProber_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := prober.New(zap.NewNop(), 10*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, p.Start(ctx))

	cancel()

	assert.Eventually(t, func() bool {
		return !p.IsRunning()
	}, time.Second, 10*time.Millisecond)
}
