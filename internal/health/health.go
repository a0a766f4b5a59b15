package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hengadev/keyguard"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnknown   HealthStatus = "unknown"
)

// HealthCheck represents a health check for a component
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) (HealthStatus, error)
	Timeout   time.Duration
	// Critical failures make the whole report unhealthy; others only degrade it.
	Critical bool
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Name     string        `json:"name"`
	Status   HealthStatus  `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Critical bool          `json:"critical"`
}

// HealthReport represents the overall health status of the system
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version,omitempty"`
	Results   []HealthResult `json:"results"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	mutex   sync.RWMutex
	checks  map[string]*HealthCheck
	version string
	timeout time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]*HealthCheck),
		version: version,
		timeout: 5 * time.Second,
	}
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) error {
	if check == nil {
		return fmt.Errorf("health check cannot be nil")
	}
	if check.Name == "" {
		return fmt.Errorf("health check name cannot be empty")
	}
	if check.CheckFunc == nil {
		return fmt.Errorf("health check function cannot be nil")
	}

	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	if check.Timeout == 0 {
		check.Timeout = hc.timeout
	}
	hc.checks[check.Name] = check
	return nil
}

// CheckHealth executes all registered health checks concurrently. Results
// are sorted by name.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *HealthReport {
	hc.mutex.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	results := make([]HealthResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check *HealthCheck) {
			defer wg.Done()
			results[i] = executeCheck(ctx, check)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return &HealthReport{
		Status:    overallStatus(results),
		Timestamp: time.Now().UTC(),
		Version:   hc.version,
		Results:   results,
	}
}

func executeCheck(ctx context.Context, check *HealthCheck) HealthResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	status, err := check.CheckFunc(checkCtx)
	result := HealthResult{
		Name:     check.Name,
		Status:   status,
		Duration: time.Since(start),
		Critical: check.Critical,
	}
	if err != nil {
		// Only the taxonomy message leaves the process; causes may name hosts or paths.
		result.Error = keyguard.PublicMessage(err)
		if result.Status == StatusHealthy {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

func overallStatus(results []HealthResult) HealthStatus {
	if len(results) == 0 {
		return StatusUnknown
	}

	degraded := false
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
		case StatusUnhealthy, StatusUnknown:
			if r.Critical {
				return StatusUnhealthy
			}
			degraded = true
		default:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler serves the report as JSON: 200 for healthy or degraded, 503 otherwise.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		switch report.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// Common health check functions

// BackendHealthCheck resolves the master key alias. An outage is critical; a
// missing alias only degrades, since EnsureKey creates it on first use.
func BackendHealthCheck(kms keyguard.KeyManagementService, masterAlias string) *HealthCheck {
	return &HealthCheck{
		Name:     "key_backend",
		Critical: true,
		Timeout:  10 * time.Second,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			meta, err := kms.DescribeKey(ctx, masterAlias)
			switch {
			case errors.Is(err, keyguard.ErrKeyNotFound):
				return StatusDegraded, nil
			case err != nil:
				return StatusUnhealthy, err
			case !meta.KeyState.Usable():
				return StatusDegraded, nil
			}
			return StatusHealthy, nil
		},
	}
}

// StoreHealthCheck lists a prefix of the key-material store.
func StoreHealthCheck(store keyguard.SecretStore) *HealthCheck {
	return &HealthCheck{
		Name:     "key_store",
		Critical: true,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			if _, err := store.ListSecrets(ctx, keyguard.DataKeyPathPrefix); err != nil {
				return StatusUnhealthy, err
			}
			return StatusHealthy, nil
		},
	}
}

// SigningHealthCheck reports unhealthy when the signing manager has no current key.
func SigningHealthCheck(currentKeyID func() string) *HealthCheck {
	return &HealthCheck{
		Name:     "signing_keys",
		Critical: true,
		Timeout:  time.Second,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			if currentKeyID() == "" {
				return StatusUnhealthy, keyguard.ErrNoActiveKey
			}
			return StatusHealthy, nil
		},
	}
}

// CircuitBreakerHealthCheck degrades while a backend circuit is open.
func CircuitBreakerHealthCheck(name string, isClosed func() bool) *HealthCheck {
	return &HealthCheck{
		Name:    name,
		Timeout: time.Second,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			if isClosed() {
				return StatusHealthy, nil
			}
			return StatusDegraded, keyguard.ErrBackendUnavailable
		},
	}
}
