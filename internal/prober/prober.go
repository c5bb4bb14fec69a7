// Package prober runs the background health-refresh loop so readiness
// probes answer from a warm dependency cache instead of paying for real
// checks on the request path.
package prober

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober periodically executes a refresh task.
type Prober struct {
	logger    *zap.Logger
	interval  time.Duration
	taskFunc  func(context.Context) error
	stopCh    chan struct{}
	doneCh    chan struct{}
	isRunning bool
	mu        sync.RWMutex
}

// New creates a prober that runs taskFunc every interval.
func New(logger *zap.Logger, interval time.Duration, taskFunc func(context.Context) error) *Prober {
	return &Prober{
		logger:   logger,
		interval: interval,
		taskFunc: taskFunc,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop. The first refresh runs immediately.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return ErrProberAlreadyRunning
	}

	p.isRunning = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run(ctx)

	p.logger.Info("Health prober started", zap.Duration("interval", p.interval))
	return nil
}

// Stop halts the loop and waits for the in-flight refresh to finish.
// Concurrent Stop calls are safe; only the first one wins.
func (p *Prober) Stop() error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return ErrProberNotRunning
	}
	// Flip the flag under the lock so a concurrent Stop cannot close
	// stopCh a second time.
	p.isRunning = false
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)
	<-p.doneCh

	p.logger.Info("Health prober stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (p *Prober) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.doneCh)
	defer func() {
		p.mu.Lock()
		p.isRunning = false
		p.mu.Unlock()
	}()

	if err := p.refresh(ctx); err != nil {
		p.logger.Warn("Initial health refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober context canceled")
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil {
				p.logger.Warn("Health refresh failed", zap.Error(err))
			}
		}
	}
}

func (p *Prober) refresh(ctx context.Context) error {
	taskCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	return p.taskFunc(taskCtx)
}
