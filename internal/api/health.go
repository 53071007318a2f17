package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/logger"
)

// Health states reported by /health
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyAfter consecutive failures turn a degraded dependency unhealthy
const unhealthyAfter = 3

const checkTimeout = 10 * time.Second

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// DependencyStatus is the last known state of one dependency
type DependencyStatus struct {
	Status              string    `json:"status"`
	CheckedAt           time.Time `json:"checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type dependency struct {
	check  CheckFunc
	status DependencyStatus
}

// HealthChecker probes named dependencies periodically and keeps their
// last status for the health endpoint
type HealthChecker struct {
	mu       sync.RWMutex
	deps     map[string]*dependency
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

// NewHealthChecker creates a checker probing every interval
func NewHealthChecker(interval time.Duration, clk clock.Clock) *HealthChecker {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		deps:     make(map[string]*dependency),
		interval: interval,
		clock:    clk,
		logger:   logger.Get().With(zap.String("component", "health_checker")),
	}
}

// Register adds a dependency. It counts as healthy until first checked.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[name] = &dependency{check: check, status: DependencyStatus{Status: StatusHealthy}}
}

// Run checks every dependency immediately and then each interval until
// ctx is done
func (h *HealthChecker) Run(ctx context.Context) {
	for {
		h.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.interval):
		}
	}
}

// CheckAll probes every dependency once
func (h *HealthChecker) CheckAll(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	h.mu.RUnlock()

	for _, name := range names {
		h.check(ctx, name)
	}
}

func (h *HealthChecker) check(ctx context.Context, name string) {
	h.mu.RLock()
	dep, ok := h.deps[name]
	h.mu.RUnlock()
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	err := dep.check(checkCtx)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	st := &dep.status
	st.CheckedAt = h.clock.Now().UTC()
	if err == nil {
		st.Status = StatusHealthy
		st.ConsecutiveFailures = 0
		st.LastError = ""
		return
	}

	st.ConsecutiveFailures++
	st.LastError = err.Error()
	st.Status = StatusDegraded
	if st.ConsecutiveFailures >= unhealthyAfter {
		st.Status = StatusUnhealthy
	}
	h.logger.Warn("health check failed",
		zap.String("dependency", name),
		zap.String("status", st.Status),
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
		zap.Error(err))
}

// Status returns the overall status, the worst of all dependencies, and a
// copy of each dependency's status
func (h *HealthChecker) Status() (string, map[string]DependencyStatus) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := StatusHealthy
	out := make(map[string]DependencyStatus, len(h.deps))
	for name, dep := range h.deps {
		out[name] = dep.status
		overall = worse(overall, dep.status.Status)
	}
	return overall, out
}

// Names returns the registered dependency names, sorted
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
