package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the process. Its status is the
// worst component status.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  float64                    `json:"uptime_sec"`
}

// Critical turns a ping into a check whose failure makes the process
// unhealthy.
func Critical(ping func(ctx context.Context) error) HealthCheck {
	return pingCheck(ping, StatusUnhealthy)
}

// Optional turns a ping into a check whose failure only degrades the
// process. Used for stores the engine can trade without.
func Optional(ping func(ctx context.Context) error) HealthCheck {
	return pingCheck(ping, StatusDegraded)
}

func pingCheck(ping func(ctx context.Context) error, onFailure ComponentStatus) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: onFailure, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// Health runs registered checks on demand or on a schedule.
type Health struct {
	timeout   time.Duration
	startTime time.Time

	mu      sync.RWMutex
	checks  map[string]HealthCheck
	results map[string]ComponentHealth
}

// NewHealth creates a checker. timeout bounds each check.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{
		timeout:   timeout,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
	}
}

// Register adds a named health check.
func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Run checks every interval until ctx is done.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs every check concurrently and returns the aggregate.
func (h *Health) Check(ctx context.Context) SystemHealth {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	newResults := make(map[string]ComponentHealth, len(checks))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			result := fn(checkCtx)
			result.Name = name
			result.LastChecked = time.Now()
			result.LatencyMs = time.Since(start).Milliseconds()

			resultsMu.Lock()
			newResults[name] = result
			resultsMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	h.mu.Lock()
	oldResults := h.results
	h.results = newResults
	h.mu.Unlock()

	for name, cur := range newResults {
		prev, existed := oldResults[name]
		if existed && prev.Status == cur.Status {
			continue
		}
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		logTransition(cur)
	}
	return h.Last()
}

func logTransition(c ComponentHealth) {
	evt := log.Info()
	switch c.Status {
	case StatusUnhealthy:
		evt = log.Error()
	case StatusDegraded:
		evt = log.Warn()
	}
	evt.Str("component", c.Name).
		Str("status", string(c.Status)).
		Str("message", c.Message).
		Msg("health: component status changed")
}

// Last returns the most recent results without running checks.
func (h *Health) Last() SystemHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(h.results))
	worstStatus := StatusHealthy
	for name, c := range h.results {
		components[name] = c
		if statusSeverity(c.Status) > statusSeverity(worstStatus) {
			worstStatus = c.Status
		}
	}

	return SystemHealth{
		Status:     worstStatus,
		Components: components,
		Timestamp:  time.Now(),
		UptimeSec:  time.Since(h.startTime).Seconds(),
	}
}

// statusSeverity returns a numeric severity for comparison.
func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
