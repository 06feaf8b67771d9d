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

package metrics

import (
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Build information
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmpool_build_info",
			Help: "Build information for vmpool components",
		},
		[]string{"version", "git_sha", "go_version", "component"},
	)

	// VM lifecycle operation metrics
	vmOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmpool_vm_operations_total",
			Help: "Total number of VM lifecycle operations by operation, provider, region, tier and outcome",
		},
		[]string{"operation", "provider", "region", "tier", "outcome"},
	)

	vmOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmpool_vm_operation_duration_seconds",
			Help:    "Duration of VM lifecycle operations by operation and provider",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"operation", "provider"},
	)

	// Provider API metrics
	providerAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmpool_provider_api_requests_total",
			Help: "Total number of provider API requests by provider, method and HTTP status code",
		},
		[]string{"provider", "method", "code"},
	)

	providerAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmpool_provider_api_latency_seconds",
			Help:    "Latency of provider API requests by provider and method",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"provider", "method"},
	)

	providerRateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmpool_provider_ratelimit_remaining",
			Help: "Remaining provider API requests in the current rate limit window",
		},
		[]string{"provider"},
	)

	// Suppressed failures of best-effort operations
	bestEffortFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmpool_best_effort_failures_total",
			Help: "Total number of suppressed best-effort operation failures by operation, provider and region",
		},
		[]string{"operation", "provider", "region"},
	)
)

// Outcomes for operations
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Components
const (
	ComponentCLI  = "cli"
	ComponentFake = "hcloud-fake"
)

// SetupMetrics initializes metrics with build information
func SetupMetrics(version, gitSHA, component string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version(), component).Set(1)
}

// VMOperationMetrics provides metrics for VM lifecycle operations of one manager
type VMOperationMetrics struct {
	provider string
	region   string
	tier     string
}

// NewVMOperationMetrics creates metrics for VM operations
func NewVMOperationMetrics(provider, region, tier string) *VMOperationMetrics {
	return &VMOperationMetrics{
		provider: provider,
		region:   region,
		tier:     tier,
	}
}

// RecordOperation records a VM operation with its outcome and duration
func (m *VMOperationMetrics) RecordOperation(operation string, err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	vmOperationsTotal.WithLabelValues(operation, m.provider, m.region, m.tier, outcome).Inc()
	vmOperationDuration.WithLabelValues(operation, m.provider).Observe(duration.Seconds())
}

// RecordBestEffortFailure counts a suppressed best-effort failure
func (m *VMOperationMetrics) RecordBestEffortFailure(operation string) {
	bestEffortFailuresTotal.WithLabelValues(operation, m.provider, m.region).Inc()
}

// ProviderAPIMetrics provides metrics for provider API calls
type ProviderAPIMetrics struct {
	provider string
}

// NewProviderAPIMetrics creates metrics for provider API calls
func NewProviderAPIMetrics(provider string) *ProviderAPIMetrics {
	return &ProviderAPIMetrics{provider: provider}
}

// RecordRequest records an API call. A zero status code means no response was received.
func (m *ProviderAPIMetrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	code := "none"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	providerAPIRequestsTotal.WithLabelValues(m.provider, method, code).Inc()
	providerAPILatency.WithLabelValues(m.provider, method).Observe(duration.Seconds())
}

// SetRateLimitRemaining records the remaining request budget reported by the provider
func (m *ProviderAPIMetrics) SetRateLimitRemaining(remaining float64) {
	providerRateLimitRemaining.WithLabelValues(m.provider).Set(remaining)
}

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// GetRegistry returns the Prometheus gatherer all vmpool metrics are registered with
func GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
