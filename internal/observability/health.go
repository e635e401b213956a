package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck reports a component's health.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Ready      bool                       `json:"ready"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker runs registered health and readiness checks.
type HealthChecker struct {
	mu              sync.RWMutex
	healthChecks    map[string]HealthCheck
	readinessChecks map[string]HealthCheck
	version         string
	timeout         time.Duration
}

// NewHealthChecker creates a health checker reporting version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		healthChecks:    make(map[string]HealthCheck),
		readinessChecks: make(map[string]HealthCheck),
		version:         version,
		timeout:         5 * time.Second,
	}
}

// RegisterHealthCheck registers a liveness-affecting check.
func (hc *HealthChecker) RegisterHealthCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.healthChecks[name] = check
}

// RegisterReadinessCheck registers a check that gates readiness.
func (hc *HealthChecker) RegisterReadinessCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readinessChecks[name] = check
}

// SetTimeout bounds the total duration of a check round.
func (hc *HealthChecker) SetTimeout(timeout time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.timeout = timeout
}

func (hc *HealthChecker) snapshot(src map[string]HealthCheck) (map[string]HealthCheck, time.Duration) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	checks := make(map[string]HealthCheck, len(src))
	for name, check := range src {
		checks[name] = check
	}
	return checks, hc.timeout
}

// CheckHealth runs the health checks.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	checks, timeout := hc.snapshot(hc.healthChecks)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := runChecks(ctx, checks)
	status := StatusHealthy
	for _, c := range components {
		if c.Status == StatusUnhealthy {
			status = StatusUnhealthy
			break
		}
	}

	return &HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    hc.version,
		Components: components,
	}
}

// CheckReadiness runs the readiness checks. All must pass.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) *ReadinessResponse {
	checks, timeout := hc.snapshot(hc.readinessChecks)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := runChecks(ctx, checks)
	ready := true
	for _, c := range components {
		if c.Status != StatusHealthy {
			ready = false
			break
		}
	}

	return &ReadinessResponse{
		Ready:      ready,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// runChecks executes checks concurrently.
func runChecks(ctx context.Context, checks map[string]HealthCheck) map[string]ComponentHealth {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]ComponentHealth, len(checks))
	)

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := check(ctx)
			health := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start).String()}
			if err != nil {
				health.Status = StatusUnhealthy
				health.Error = err.Error()
				if ctx.Err() != nil {
					health.Error = "check timed out"
				}
			}

			mu.Lock()
			components[name] = health
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return components
}

// HealthHandler serves CheckHealth as JSON; 503 when unhealthy.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.CheckHealth(r.Context())
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadinessHandler serves CheckReadiness as JSON; 503 when not ready.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := hc.CheckReadiness(r.Context())
		code := http.StatusOK
		if !readiness.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler reports that the process is alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"alive":     true,
			"timestamp": time.Now(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		GetLogger().Error("failed to encode health response", zap.Error(err))
	}
}

// PingCheck wraps a ping function such as a Redis client's Ping.
func PingCheck(component string, ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return fmt.Errorf("%s ping function not provided", component)
		}
		return ping(ctx)
	}
}

// ConnectedCheck fails while connected reports false.
func ConnectedCheck(component string, connected func() bool) HealthCheck {
	return func(_ context.Context) error {
		if connected == nil || !connected() {
			return fmt.Errorf("%s not connected", component)
		}
		return nil
	}
}
