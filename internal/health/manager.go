// Package health aggregates named dependency checks into liveness and
// readiness decisions. Checks run in parallel, results are cached per
// dependency with an adaptive TTL, and concurrent misses for the same
// dependency collapse into a single real invocation.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// checkTimeout bounds every dependency check invocation.
	defaultCheckTimeout = 2 * time.Second

	// defaultCacheTTL is the steady-state cache lifetime once the process
	// has been up for a while.
	defaultCacheTTL = 10 * time.Second

	// startupWindow is the period after construction during which
	// dependency polling is aggressive and unhealthy logs are downgraded,
	// since transient unavailability there is expected.
	startupWindow = time.Minute
)

// Status is the aggregate health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds health manager tuning parameters.
type Config struct {
	// CacheTTL is the steady-state dependency cache lifetime. During the
	// first minutes of uptime a shorter TTL applies regardless.
	CacheTTL time.Duration

	// CheckTimeout bounds each dependency check. Defaults to 2s.
	CheckTimeout time.Duration
}

// StartupFailure records the first startup error reported to the manager.
// A critical failure permanently blocks readiness.
type StartupFailure struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Critical  bool      `json:"critical"`
	At        time.Time `json:"at"`
}

// DependencyStatus is the per-dependency detail exposed over HTTP.
type DependencyStatus struct {
	Status    string    `json:"status"`
	Available bool      `json:"available"`
	Error     string    `json:"error,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Result is derived fresh on every call; it is never stored.
type Result struct {
	Status         Status                      `json:"status"`
	Ready          bool                        `json:"ready"`
	Dependencies   map[string]DependencyStatus `json:"dependencies"`
	StartupFailure *StartupFailure             `json:"startup_failure,omitempty"`
}

// cacheEntry is mutated only while holding the owning dependency's cache
// lock.
type cacheEntry struct {
	available bool
	err       error
	checkedAt time.Time
}

type dependency struct {
	name    string
	checker Checker

	// cacheMu guards entry; checkMu serializes real check invocations so
	// concurrent cache misses collapse into one.
	cacheMu sync.RWMutex
	entry   *cacheEntry
	checkMu sync.Mutex

	// lastAvailable backs transition-only logging.
	lastAvailable bool
	seen          bool
}

// Manager owns the dependency set, the per-dependency caches, and the
// startup gate for one service instance. Construct once at startup and
// pass by reference; there is no cross-instance sharing.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	startedAt time.Time
	now       func() time.Time

	depsMu sync.RWMutex
	deps   map[string]*dependency

	startupMu       sync.Mutex
	startupComplete bool
	startupFailure  *StartupFailure
}

// NewManager creates a health manager. Zero config fields fall back to
// defaults.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
		deps:      make(map[string]*dependency),
	}
}

// RegisterDependency adds a named check. Registrations should happen
// during startup, before the first readiness probe; the set is
// append-only. Re-registering a name replaces its checker and drops the
// cached result.
func (m *Manager) RegisterDependency(name string, checker Checker) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()

	m.deps[name] = &dependency{name: name, checker: checker}
	m.logger.Info("Registered health dependency", zap.String("dependency", name))
}

// RecordStartupFailure stores the first startup failure; later calls are
// ignored. Non-critical failures are informational and never block
// readiness by themselves.
func (m *Manager) RecordStartupFailure(component string, err error, critical bool) {
	m.startupMu.Lock()
	defer m.startupMu.Unlock()

	if m.startupFailure != nil {
		return
	}

	m.startupFailure = &StartupFailure{
		Component: component,
		Message:   err.Error(),
		Kind:      fmt.Sprintf("%T", err),
		Critical:  critical,
		At:        m.now(),
	}

	m.logger.Error("Startup failure recorded",
		zap.String("component", component),
		zap.Bool("critical", critical),
		zap.Error(err),
	)
}

// MarkStartupComplete opens the readiness gate. If a critical startup
// failure was recorded the call is a logged no-op and the service stays
// permanently not ready. Repeated calls are safe.
func (m *Manager) MarkStartupComplete() {
	m.startupMu.Lock()
	defer m.startupMu.Unlock()

	if m.startupFailure != nil && m.startupFailure.Critical {
		m.logger.Warn("Ignoring startup completion, critical startup failure recorded",
			zap.String("component", m.startupFailure.Component),
		)
		return
	}

	if !m.startupComplete {
		m.startupComplete = true
		m.logger.Info("Startup complete, readiness gate open")
	}
}

// StartupComplete reports whether the readiness gate is open.
func (m *Manager) StartupComplete() bool {
	m.startupMu.Lock()
	defer m.startupMu.Unlock()
	return m.startupComplete
}

// CheckReady reports whether the service should accept traffic: startup
// must be complete and every registered dependency available. With no
// dependencies registered, a completed startup is sufficient.
func (m *Manager) CheckReady(ctx context.Context) bool {
	if !m.StartupComplete() {
		return false
	}

	for _, entry := range m.evaluate(ctx) {
		if !entry.available {
			return false
		}
	}
	return true
}

// HealthStatus runs the same evaluation as CheckReady but returns full
// per-dependency detail plus any recorded startup failure.
func (m *Manager) HealthStatus(ctx context.Context) Result {
	entries := m.evaluate(ctx)

	result := Result{
		Ready:        true,
		Dependencies: make(map[string]DependencyStatus, len(entries)),
	}

	allAvailable := true
	for name, entry := range entries {
		ds := DependencyStatus{
			Status:    "healthy",
			Available: entry.available,
			CheckedAt: entry.checkedAt,
		}
		if !entry.available {
			allAvailable = false
			ds.Status = "unhealthy"
			if entry.err != nil {
				ds.Error = entry.err.Error()
				ds.ErrorType = fmt.Sprintf("%T", entry.err)
			}
		}
		result.Dependencies[name] = ds
	}

	m.startupMu.Lock()
	startupComplete := m.startupComplete
	failure := m.startupFailure
	m.startupMu.Unlock()

	result.StartupFailure = failure

	switch {
	case failure != nil && failure.Critical:
		result.Status = StatusUnhealthy
		result.Ready = false
	case !startupComplete:
		result.Status = StatusUnhealthy
		result.Ready = false
	case !allAvailable:
		result.Status = StatusUnhealthy
		result.Ready = false
	case failure != nil:
		// Non-critical startup failures degrade but do not block.
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	return result
}

// evaluate fans out all registered checks in parallel, so total latency is
// bounded by the slowest single check rather than the sum.
func (m *Manager) evaluate(ctx context.Context) map[string]cacheEntry {
	m.depsMu.RLock()
	deps := make([]*dependency, 0, len(m.deps))
	for _, d := range m.deps {
		deps = append(deps, d)
	}
	m.depsMu.RUnlock()

	results := make([]cacheEntry, len(deps))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range deps {
		g.Go(func() error {
			results[i] = m.checkDependency(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]cacheEntry, len(deps))
	for i, d := range deps {
		out[d.name] = results[i]
	}
	return out
}

// checkDependency implements the shared per-dependency algorithm: cached
// fast path, single-flighted slow path, failures cached at the same TTL.
func (m *Manager) checkDependency(ctx context.Context, d *dependency) cacheEntry {
	ttl := m.effectiveTTL()

	d.cacheMu.RLock()
	entry := d.entry
	d.cacheMu.RUnlock()
	if entry != nil && m.now().Sub(entry.checkedAt) < ttl {
		return *entry
	}

	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	// Another caller may have completed the check while this one waited.
	d.cacheMu.RLock()
	entry = d.entry
	d.cacheMu.RUnlock()
	if entry != nil && m.now().Sub(entry.checkedAt) < ttl {
		return *entry
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := d.checker.Check(checkCtx)
	cancel()

	fresh := cacheEntry{
		available: err == nil,
		err:       err,
		checkedAt: m.now(),
	}

	d.cacheMu.Lock()
	d.entry = &fresh
	d.cacheMu.Unlock()

	m.logTransition(d, fresh)

	return fresh
}

// logTransition emits a log only when availability flips, to avoid
// flooding under high poll rates.
func (m *Manager) logTransition(d *dependency, entry cacheEntry) {
	changed := !d.seen || d.lastAvailable != entry.available
	d.seen = true
	d.lastAvailable = entry.available

	if !changed {
		return
	}

	if entry.available {
		m.logger.Info("Dependency available", zap.String("dependency", d.name))
		return
	}

	fields := []zap.Field{
		zap.String("dependency", d.name),
		zap.Error(entry.err),
	}
	if m.now().Sub(m.startedAt) < startupWindow {
		// Early unavailability is expected while dependencies come up.
		m.logger.Info("Dependency unavailable during startup", fields...)
	} else {
		m.logger.Warn("Dependency unavailable", fields...)
	}
}

// effectiveTTL shortens the cache lifetime right after startup, when
// dependency state changes fast, and relaxes it once steady.
func (m *Manager) effectiveTTL() time.Duration {
	uptime := m.now().Sub(m.startedAt)
	switch {
	case uptime < startupWindow:
		return time.Second
	case uptime < 5*time.Minute:
		return 5 * time.Second
	default:
		return m.cfg.CacheTTL
	}
}
