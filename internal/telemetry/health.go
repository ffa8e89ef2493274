package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/conneroisu/kiln/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of one check.
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Critical    bool                   `json:"critical"`
}

// HealthChecker is one named check.
type HealthChecker struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) (HealthStatus, string, map[string]interface{})
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	checks  []HealthChecker
	version string
	started time.Time
	timeout time.Duration
	logger  logging.Logger
	mutex   sync.RWMutex
}

// NewHealthMonitor creates a monitor reporting version.
func NewHealthMonitor(version string, logger logging.Logger) *HealthMonitor {
	return &HealthMonitor{
		version: version,
		started: time.Now(),
		timeout: 5 * time.Second,
		logger:  logging.OrNop(logger).WithComponent("health"),
	}
}

// RegisterCheck adds a check.
func (hm *HealthMonitor) RegisterCheck(c HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.checks = append(hm.checks, c)
}

// GetHealth runs every check concurrently and summarizes the results.
func (hm *HealthMonitor) GetHealth(ctx context.Context) HealthResponse {
	hm.mutex.RLock()
	checks := append([]HealthChecker(nil), hm.checks...)
	hm.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	results := make([]HealthCheck, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			status, msg, meta := c.Check(ctx)
			results[i] = HealthCheck{
				Name:        c.Name,
				Status:      status,
				Message:     msg,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
				Metadata:    meta,
				Critical:    c.Critical,
			}
		}()
	}
	wg.Wait()

	byName := make(map[string]HealthCheck, len(results))
	for _, r := range results {
		byName[r.Name] = r
		if r.Status != HealthStatusHealthy {
			hm.logger.Warn(ctx, nil, "Health check failed", "name", r.Name, "status", string(r.Status), "message", r.Message)
		}
	}

	return HealthResponse{
		Status:    overallStatus(results),
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.started),
		Checks:    byName,
	}
}

// overallStatus is unhealthy if a critical check failed, degraded if any
// other check is not healthy.
func overallStatus(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range checks {
		switch {
		case c.Critical && c.Status == HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case c.Status != HealthStatusHealthy:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HTTPHandler serves the health response as JSON.
func (hm *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(health); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	}
}

// RootHealthChecker checks that the project root is a readable directory.
func RootHealthChecker(root string) HealthChecker {
	return HealthChecker{
		Name:     "root",
		Critical: true,
		Check: func(context.Context) (HealthStatus, string, map[string]interface{}) {
			info, err := os.Stat(root)
			if err != nil {
				return HealthStatusUnhealthy, fmt.Sprintf("cannot stat root: %v", err), nil
			}
			if !info.IsDir() {
				return HealthStatusUnhealthy, "root is not a directory", nil
			}
			return HealthStatusHealthy, "", map[string]interface{}{"path": root}
		},
	}
}

// GraphHealthChecker reports the module graph size. It never fails.
func GraphHealthChecker(size func() int) HealthChecker {
	return HealthChecker{
		Name: "module_graph",
		Check: func(context.Context) (HealthStatus, string, map[string]interface{}) {
			return HealthStatusHealthy, "", map[string]interface{}{"modules": size()}
		},
	}
}

// GoroutineHealthChecker degrades when the goroutine count looks like a leak.
func GoroutineHealthChecker(limit int) HealthChecker {
	return HealthChecker{
		Name: "goroutines",
		Check: func(context.Context) (HealthStatus, string, map[string]interface{}) {
			n := runtime.NumGoroutine()
			meta := map[string]interface{}{"count": n}
			if n > limit {
				return HealthStatusDegraded, fmt.Sprintf("high goroutine count: %d", n), meta
			}
			return HealthStatusHealthy, "", meta
		},
	}
}
