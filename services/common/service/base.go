// Package service provides the process lifecycle shared by EVERLIV binaries:
// dependency health checks, background workers and the /health and /info
// endpoints.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/everliv/everliv-api/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check probes one dependency.
type Check struct {
	Name string
	// Critical checks make the service unhealthy when they fail; others degrade it.
	Critical bool
	Probe    func(ctx context.Context) error
}

// BaseConfig configures a BaseService.
type BaseConfig struct {
	Name    string
	Version string
	Checks  []Check
	Logger  *logging.Logger
}

// BaseService owns the lifecycle of a process:
// - idempotent stop signalling for workers
// - an optional hydrate hook run once on Start
// - background workers
// - cached dependency health and a statistics provider for /info
type BaseService struct {
	name    string
	version string
	logger  *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any
	workers []func(context.Context)
	checks  []Check

	healthMu        sync.RWMutex
	results         map[string]string
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService.
func NewBase(cfg BaseConfig) *BaseService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &BaseService{
		name:    cfg.Name,
		version: cfg.Version,
		logger:  logger,
		stopCh:  make(chan struct{}),
		checks:  cfg.Checks,
		results: make(map[string]string),
	}
}

// Name returns the service name.
func (b *BaseService) Name() string { return b.name }

// Version returns the build version.
func (b *BaseService) Version() string { return b.version }

// AddCheck registers a dependency probe.
func (b *BaseService) AddCheck(c Check) *BaseService {
	b.healthMu.Lock()
	b.checks = append(b.checks, c)
	b.healthMu.Unlock()
	return b
}

// WithHydrate sets a hook executed once during Start, before workers launch.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets the statistics provider of the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers must return when ctx is done or StopChan is closed.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers fn to run every interval until Stop.
func (b *BaseService) AddTickerWorker(name string, interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.logger.WithContext(ctx).WithError(err).WithField("worker", name).Warn("worker run failed")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, probes dependencies and spins up the workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}
	b.CheckHealth(ctx)

	for _, w := range b.workers {
		go w(ctx)
	}
	return nil
}

// Stop signals the workers. Calling it more than once is safe.
func (b *BaseService) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth probes every dependency and caches the results.
func (b *BaseService) CheckHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	b.healthMu.RLock()
	checks := append([]Check(nil), b.checks...)
	b.healthMu.RUnlock()

	results := make(map[string]string, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := c.Probe(ctx); err != nil {
				state = err.Error()
				b.logger.WithContext(ctx).WithError(err).WithField("check", c.Name).Warn("health check failed")
			}
			mu.Lock()
			results[c.Name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	b.healthMu.Lock()
	b.results = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus probes dependencies and returns the aggregated status.
func (b *BaseService) HealthStatus(ctx context.Context) string {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails describes the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	checks := make(map[string]string, len(b.results))
	for k, v := range b.results {
		checks[k] = v
	}
	details := map[string]any{"checks": checks}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime).Truncate(time.Second)
	}
	details["uptime"] = uptime.String()
	return details
}

// FailedChecks returns the names of failing checks, sorted.
func (b *BaseService) FailedChecks() []string {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	var out []string
	for name, state := range b.results {
		if state != "ok" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (b *BaseService) healthStatusLocked() string {
	status := StatusHealthy
	for _, c := range b.checks {
		state, ok := b.results[c.Name]
		if !ok || state == "ok" {
			continue
		}
		if c.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}
