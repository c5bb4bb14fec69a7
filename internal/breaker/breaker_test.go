package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New("test", cfg, zap.NewNop())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		failures  int
		wantState State
	}{
		{name: "below threshold stays closed", threshold: 3, failures: 2, wantState: StateClosed},
		{name: "at threshold opens", threshold: 3, failures: 3, wantState: StateOpen},
		{name: "single failure threshold", threshold: 1, failures: 1, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(Config{
				FailureThreshold: tt.threshold,
				SuccessThreshold: 2,
				BaseTimeout:      time.Second,
				MaxTimeout:       time.Minute,
			})

			for i := 0; i < tt.failures; i++ {
				b.RecordFailure()
			}

			assert.Equal(t, tt.wantState, b.State())
		})
	}
}

func TestBreaker_SuccessResetsFailureCountWhileClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		BaseTimeout:      time.Second,
		MaxTimeout:       time.Minute,
	})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	// The success in between reset the count, so only one failure is
	// accumulated and the circuit stays closed.
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsUntilTimeoutThenHalfOpens(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		BaseTimeout:      time.Second,
		MaxTimeout:       time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	assert.False(t, b.Allow())

	clock.advance(500 * time.Millisecond)
	assert.False(t, b.Allow())

	clock.advance(600 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopensWithDoubledTimeout(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		BaseTimeout:      time.Second,
		MaxTimeout:       time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()

	clock.advance(time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// The probe fails, re-opening the circuit for twice the base timeout.
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.advance(time.Second)
	assert.False(t, b.Allow(), "still quarantined after 1s")

	clock.advance(time.Second)
	assert.True(t, b.Allow(), "available after 2s")
}

func TestBreaker_OpenTimeoutIsCapped(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		BaseTimeout:      time.Second,
		MaxTimeout:       4 * time.Second,
	})

	// Trip and fail the half-open probe repeatedly so the timeout would
	// grow far past the cap if unbounded.
	b.RecordFailure()
	for i := 0; i < 5; i++ {
		clock.advance(4 * time.Second)
		require.True(t, b.Allow())
		b.RecordFailure()
	}

	clock.advance(4 * time.Second)
	assert.True(t, b.Allow(), "cap keeps the quarantine at MaxTimeout")
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 3,
		BaseTimeout:      time.Second,
		MaxTimeout:       time.Minute,
	})

	b.RecordFailure()
	clock.advance(time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	failures, successes := b.Counts()
	assert.Zero(t, failures)
	assert.Zero(t, successes)

	// A full recovery resets the timeout growth back to the base.
	b.RecordFailure()
	clock.advance(time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_Call(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("passes through success and failure", func(t *testing.T) {
		b, _ := newTestBreaker(Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			BaseTimeout:      time.Second,
			MaxTimeout:       time.Minute,
		})

		err := b.Call(context.Background(), func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)

		err = b.Call(context.Background(), func(ctx context.Context) error {
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("fails fast without invoking fn when open", func(t *testing.T) {
		b, _ := newTestBreaker(Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			BaseTimeout:      time.Minute,
			MaxTimeout:       time.Hour,
		})
		b.RecordFailure()

		invoked := false
		err := b.Call(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})

		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, invoked)
	})
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := New("defaults", Config{}, nil)

	assert.Equal(t, DefaultConfig().FailureThreshold, b.cfg.FailureThreshold)
	assert.Equal(t, DefaultConfig().BaseTimeout, b.cfg.BaseTimeout)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "defaults", b.Name())
}
