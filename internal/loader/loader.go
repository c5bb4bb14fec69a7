// Package loader manages the background loading of a single heavy resource,
// such as a model, using a cache-first-then-download strategy. Endpoints can
// keep serving while the load runs, and any number of callers can wait for
// the same load without ever triggering a second one.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotLoaded is returned by Resource before a load has completed.
	ErrNotLoaded = errors.New("resource is not loaded")

	// ErrLoadFailed is returned by Resource after a failed load attempt.
	// A failed load is terminal for this loader; a new load requires an
	// explicit re-initialize or a process restart.
	ErrLoadFailed = errors.New("resource load failed")
)

// Phase describes where a load attempt currently stands.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseLoading    Phase = "loading"
	PhaseLoaded     Phase = "loaded"
	PhaseFailed     Phase = "failed"
)

// Method records how a loaded resource was obtained.
type Method string

const (
	MethodNone     Method = "none"
	MethodCache    Method = "cache"
	MethodDownload Method = "download"
)

// CacheFunc attempts to load the resource from a local cache. Returning
// (nil, nil) means "no cache, proceed to download". It must be idempotent.
type CacheFunc[T any] func(ctx context.Context) (*T, error)

// DownloadFunc fetches the resource from its source of truth. It must
// return an error on failure. Side-effect loaders may return (nil, nil);
// with Config.SideEffect set, that still counts as success.
type DownloadFunc[T any] func(ctx context.Context) (*T, error)

// Config holds loader construction parameters.
type Config struct {
	// ForceDownload skips the cache step entirely so a stale cache can
	// never be read.
	ForceDownload bool

	// SideEffect marks a loader whose download mutates process-global
	// state instead of returning a value.
	SideEffect bool

	// HeartbeatInterval controls the elapsed-time log emitted while a
	// download is in flight. Defaults to 15s.
	HeartbeatInterval time.Duration
}

// Status is a point-in-time snapshot of the load lifecycle.
type Status struct {
	Name       string `json:"name"`
	Loaded     bool   `json:"loaded"`
	Loading    bool   `json:"loading"`
	Method     Method `json:"method"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
}

// Loader loads one named resource exactly once. All state transitions are
// serialized by an internal mutex; IsLoaded and IsLoading are lock-free
// reads that may briefly lag, which is acceptable for advisory health
// signals.
type Loader[T any] struct {
	name     string
	cache    CacheFunc[T]
	download DownloadFunc[T]
	cfg      Config
	logger   *zap.Logger

	loaded  atomic.Bool
	loading atomic.Bool

	mu        sync.Mutex
	loadCtx   context.Context
	phase     Phase
	method    Method
	resource  *T
	loadErr   error
	startedAt time.Time
	duration  time.Duration
	done      chan struct{}
	cancel    context.CancelFunc
}

// New creates a loader. cache may be nil when no cache source exists;
// download is required.
func New[T any](name string, cache CacheFunc[T], download DownloadFunc[T], cfg Config, logger *zap.Logger) *Loader[T] {
	if download == nil {
		panic("loader: download func is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader[T]{
		name:     name,
		cache:    cache,
		download: download,
		cfg:      cfg,
		logger:   logger,
		phase:    PhaseNotStarted,
		method:   MethodNone,
		done:     make(chan struct{}),
	}
}

// Initialize starts the load sequence in the background and returns
// immediately. Calling it more than once, or after EnsureLoaded already
// started a load, is a no-op.
func (l *Loader[T]) Initialize(ctx context.Context) {
	l.mu.Lock()
	if l.phase != PhaseNotStarted {
		l.mu.Unlock()
		return
	}
	l.beginLoadLocked(ctx)
	l.mu.Unlock()

	go l.runLoad()
}

// IsLoaded reports whether the resource is available. Lock-free.
func (l *Loader[T]) IsLoaded() bool {
	return l.loaded.Load()
}

// IsLoading reports whether a load sequence is in flight. Lock-free.
func (l *Loader[T]) IsLoading() bool {
	return l.loading.Load()
}

// Resource returns the loaded resource, or an error describing why it is
// unavailable.
func (l *Loader[T]) Resource() (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.phase {
	case PhaseLoaded:
		return l.resource, nil
	case PhaseFailed:
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, l.loadErr)
	default:
		return nil, ErrNotLoaded
	}
}

// EnsureLoaded blocks until the resource is loaded, the load fails, the
// timeout expires, or ctx is done. It returns true only when the resource
// is loaded. A timeout never cancels the underlying load; later callers
// can still observe its completion. If no load has started yet, this
// caller starts one, and concurrent callers wait on the same sequence, so
// at most one cache+download sequence ever runs.
//
// A timeout of zero or less means wait indefinitely (bounded by ctx).
func (l *Loader[T]) EnsureLoaded(ctx context.Context, timeout time.Duration) bool {
	if l.loaded.Load() {
		return true
	}

	l.mu.Lock()
	switch l.phase {
	case PhaseLoaded:
		l.mu.Unlock()
		return true
	case PhaseFailed:
		l.mu.Unlock()
		return false
	case PhaseNotStarted:
		// Start the sequence on behalf of all current and future waiters.
		l.beginLoadLocked(ctx)
		go l.runLoad()
	}
	done := l.done
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		return l.loaded.Load()
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

// Status returns a snapshot of the load lifecycle.
func (l *Loader[T]) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{
		Name:    l.name,
		Loaded:  l.phase == PhaseLoaded,
		Loading: l.phase == PhaseLoading,
		Method:  l.method,
	}

	switch l.phase {
	case PhaseLoaded, PhaseFailed:
		s.DurationMs = l.duration.Milliseconds()
	case PhaseLoading:
		s.ElapsedMs = time.Since(l.startedAt).Milliseconds()
	}

	if l.loadErr != nil {
		s.Error = l.loadErr.Error()
		s.ErrorType = fmt.Sprintf("%T", l.loadErr)
	}

	return s
}

// Cleanup cancels any in-flight background work and marks the loader as
// not loading. Safe to call repeatedly.
func (l *Loader[T]) Cleanup() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.loading.Store(false)
}

// beginLoadLocked flips the loader into the loading phase. Must be called
// with the mutex held and only from the not-started phase.
func (l *Loader[T]) beginLoadLocked(ctx context.Context) {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.loadCtx = loadCtx
	l.cancel = cancel
	l.phase = PhaseLoading
	l.startedAt = time.Now()
	l.loading.Store(true)
}

// runLoad executes the cache-then-download sequence once and broadcasts
// completion to every waiter.
func (l *Loader[T]) runLoad() {
	l.mu.Lock()
	ctx := l.loadCtx
	l.mu.Unlock()

	resource, method, err := l.loadSequence(ctx)

	l.mu.Lock()
	l.duration = time.Since(l.startedAt)
	if err != nil {
		l.phase = PhaseFailed
		l.loadErr = err
		l.logger.Error("Resource load failed",
			zap.String("resource", l.name),
			zap.Duration("duration", l.duration),
			zap.Error(err),
		)
	} else {
		l.phase = PhaseLoaded
		l.method = method
		l.resource = resource
		l.loaded.Store(true)
		l.logger.Info("Resource loaded",
			zap.String("resource", l.name),
			zap.String("method", string(method)),
			zap.Duration("duration", l.duration),
		)
	}
	l.loading.Store(false)
	close(l.done)
	l.mu.Unlock()
}

// loadSequence runs cache-first-then-download. Force-download skips the
// cache step so it can never observe stale data.
func (l *Loader[T]) loadSequence(ctx context.Context) (*T, Method, error) {
	if !l.cfg.ForceDownload && l.cache != nil {
		cached, err := l.cache(ctx)
		if err != nil {
			return nil, MethodCache, fmt.Errorf("cache load: %w", err)
		}
		if cached != nil {
			return cached, MethodCache, nil
		}
		l.logger.Info("Cache miss, downloading resource", zap.String("resource", l.name))
	} else if l.cfg.ForceDownload {
		l.logger.Info("Force download enabled, skipping cache", zap.String("resource", l.name))
	}

	stopHeartbeat := l.startHeartbeat(ctx)
	defer stopHeartbeat()

	resource, err := l.download(ctx)
	if err != nil {
		return nil, MethodDownload, fmt.Errorf("download load: %w", err)
	}
	if resource == nil && !l.cfg.SideEffect {
		return nil, MethodDownload, errors.New("download load: loader returned no resource")
	}

	return resource, MethodDownload, nil
}

// startHeartbeat logs elapsed time while a download is in flight. It is a
// liveness signal for slow downloads, not a correctness requirement.
func (l *Loader[T]) startHeartbeat(ctx context.Context) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	started := time.Now()

	go func() {
		ticker := time.NewTicker(l.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				l.logger.Info("Resource download in progress",
					zap.String("resource", l.name),
					zap.Duration("elapsed", time.Since(started)),
				)
			}
		}
	}()

	return cancel
}
