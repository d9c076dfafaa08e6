// Package health runs periodic dependency checks and keeps their latest
// status for the /health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/circuitbreaker"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckResult is a snapshot of one check.
type CheckResult struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"lastCheck,omitzero"`
	Error     string          `json:"error,omitempty"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once and then on its own interval until ctx ends
// or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go func() {
			defer hm.wg.Done()
			hm.runHealthCheck(ctx, check)
		}()
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring started", "component", check.Name, "interval", check.Interval)
	hm.performCheck(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

// CheckNow runs every check immediately and returns the overall status.
func (hm *HealthMonitor) CheckNow(ctx context.Context) ComponentStatus {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	for _, c := range checks {
		hm.performCheck(ctx, c)
	}
	return hm.GetOverallStatus()
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	// A panicking check marks the component unhealthy instead of killing the
	// monitor goroutine.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: check panicked", "component", check.Name, "error", err)

			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()

			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previousStatus := check.status
	isFirstCheck := check.checkCount == 1

	if err != nil {
		check.failCount++
		check.lastError = err

		// A single failure degrades; failing at least half the time is
		// unhealthy. An open breaker is always unhealthy.
		failureRate := float64(check.failCount) / float64(check.checkCount)
		if failureRate >= 0.5 || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}

	currentStatus := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()

	// 0=unreachable, 1=unhealthy, 2=degraded, 3=healthy
	var statusValue float64
	switch currentStatus {
	case StatusHealthy:
		statusValue = 3
	case StatusDegraded:
		statusValue = 2
	case StatusUnhealthy:
		statusValue = 1
	}
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue)

	if previousStatus != currentStatus && !isFirstCheck {
		logger.Warn("Health: component status changed", "component", check.Name, "from", previousStatus, "to", currentStatus, "error", err)
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

// Results returns a snapshot of every check, sorted by name.
func (hm *HealthMonitor) Results() []CheckResult {
	hm.mu.RLock()
	out := make([]CheckResult, 0, len(hm.checks))
	for _, check := range hm.checks {
		check.mu.RLock()
		r := CheckResult{
			Name:      check.Name,
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
		}
		if check.lastError != nil {
			r.Error = check.lastError.Error()
		}
		check.mu.RUnlock()
		out = append(out, r)
	}
	hm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BreakerCheck reports an upstream as failing while its circuit breaker is
// not closed.
func BreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 10 * time.Second,
		Critical: false,
		Check: func(context.Context) error {
			switch state := breaker.State(); state {
			case circuitbreaker.StateClosed:
				return nil
			case circuitbreaker.StateOpen:
				return fmt.Errorf("%s: %w", name, circuitbreaker.ErrCircuitBreakerOpen)
			default:
				return fmt.Errorf("%s: circuit breaker is %s", name, state)
			}
		},
	}
}

// PingCheck wraps a dependency ping, such as the cache database's.
func PingCheck(name string, critical bool, ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    ping,
	}
}
