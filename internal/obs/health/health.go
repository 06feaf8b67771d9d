/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health serves liveness and readiness endpoints for long-running
// vmpool processes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/projectbeskar/vmpool/internal/obs/logging"
)

// Status represents the health status of a component
type Status string

const (
	// StatusHealthy indicates the component is healthy
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component status is unknown
	StatusUnknown Status = "unknown"
)

// Check represents a health check function
type Check func(ctx context.Context) error

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker runs named checks and caches their results for a short time
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check
	cache  map[string]*CheckResult
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a checker caching results for ttl
func NewChecker(ttl time.Duration) *Checker {
	return &Checker{
		checks: make(map[string]Check),
		cache:  make(map[string]*CheckResult),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register adds or replaces a named check
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Run executes a single check, serving a cached result while it is fresh
func (c *Checker) Run(ctx context.Context, name string) *CheckResult {
	c.mu.RLock()
	check, exists := c.checks[name]
	if !exists {
		c.mu.RUnlock()
		return &CheckResult{
			Name:      name,
			Status:    StatusUnknown,
			Message:   "check not found",
			Timestamp: c.now(),
		}
	}
	if cached, ok := c.cache[name]; ok && c.now().Sub(cached.Timestamp) < c.ttl {
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	start := c.now()
	err := check(ctx)
	result := &CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Duration:  c.now().Sub(start),
		Timestamp: c.now(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = logging.RedactString(err.Error())
	}

	c.mu.Lock()
	c.cache[name] = result
	c.mu.Unlock()
	return result
}

// OverallStatus aggregates every check
type OverallStatus struct {
	Status Status         `json:"status"`
	Checks []*CheckResult `json:"checks"`
}

// Overall runs every check. One unhealthy check makes the whole unhealthy.
func (c *Checker) Overall(ctx context.Context) *OverallStatus {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := &OverallStatus{Status: StatusHealthy, Checks: make([]*CheckResult, 0, len(names))}
	for _, name := range names {
		result := c.Run(ctx, name)
		if result.Status != StatusHealthy {
			overall.Status = StatusUnhealthy
		}
		overall.Checks = append(overall.Checks, result)
	}
	return overall
}

// Handler serves the aggregated status as JSON, 503 when unhealthy
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		status := c.Overall(ctx)
		w.Header().Set("Content-Type", "application/json")
		if status.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

// Mount registers /healthz, /readyz and /health on mux
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if c.Overall(ctx).Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.Handle("/health", c.Handler())
}

// PassTracker records the outcome of a periodic pass, such as a nudge
// over the pool listing
type PassTracker struct {
	mu      sync.Mutex
	last    time.Time
	lastErr error
	maxAge  time.Duration
	now     func() time.Time
}

// NewPassTracker creates a tracker whose check fails when no pass
// succeeded within maxAge
func NewPassTracker(maxAge time.Duration) *PassTracker {
	return &PassTracker{maxAge: maxAge, now: time.Now}
}

// Observe records a finished pass
func (p *PassTracker) Observe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if err == nil {
		p.last = p.now()
	}
}

// Check reports the last failure, or staleness once maxAge passed
func (p *PassTracker) Check(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr != nil {
		return p.lastErr
	}
	if p.last.IsZero() {
		return fmt.Errorf("no successful pass yet")
	}
	if age := p.now().Sub(p.last); age > p.maxAge {
		return fmt.Errorf("last successful pass %s ago", age.Truncate(time.Second))
	}
	return nil
}
