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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Region names with dedicated settings
const (
	RegionUS      = "US"
	RegionDefault = "EU"
)

// DefaultHetznerEndpoint is the public Hetzner Cloud API base URL
const DefaultHetznerEndpoint = "https://api.hetzner.cloud/v1"

// Config holds all configuration for vmpool components
type Config struct {
	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Pool capacity limits
	Pool PoolConfig `yaml:"pool"`

	// Client-side rate limiting of provider API calls
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Retry configuration for consumer-side helpers
	Retry RetryConfig `yaml:"retry"`

	// Cloud-init generator inputs
	CloudInit CloudInitConfig `yaml:"cloudInit"`

	// Hetzner Cloud adapter configuration
	Hetzner HetznerConfig `yaml:"hetzner"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Sampling    bool   `yaml:"sampling"`
	Development bool   `yaml:"development"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRatio     float64 `yaml:"samplingRatio"`
	InsecureTransport bool    `yaml:"insecureTransport"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PoolConfig holds pool capacity limits per size tier
type PoolConfig struct {
	Limit      int `yaml:"limit"`
	LimitLarge int `yaml:"limitLarge"`
}

// LimitFor returns the capacity limit for the given size tier
func (p PoolConfig) LimitFor(large bool) int {
	if large {
		return p.LimitLarge
	}
	return p.Limit
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// CloudInitConfig holds the inputs passed to the cloud-init generator
type CloudInitConfig struct {
	ImageName string `yaml:"imageName"`
}

// HetznerConfig holds Hetzner Cloud credentials, sizing and placement inputs
type HetznerConfig struct {
	Endpoint         string                         `yaml:"endpoint"`
	Token            string                         `yaml:"token"`
	SSHKeys          []int64                        `yaml:"sshKeys"`
	Image            int64                          `yaml:"image"`
	ServerType       string                         `yaml:"serverType"`
	ServerTypeLarge  string                         `yaml:"serverTypeLarge"`
	RequestTimeout   time.Duration                  `yaml:"requestTimeout"`
	TransportRetries int                            `yaml:"transportRetries"`
	Regions          map[string]HetznerRegionConfig `yaml:"regions"`

	// envErrs holds malformed HETZNER_* list variables found by DefaultConfig
	envErrs []error
}

// HetznerRegionConfig holds the placement inputs of one logical region
type HetznerRegionConfig struct {
	Networks    []int64  `yaml:"networks"`
	Datacenters []string `yaml:"datacenters"`
	Gateway     string   `yaml:"gateway"`
}

// Region returns the placement inputs for the region.
// Regions without a dedicated entry fall back to the default region.
func (h HetznerConfig) Region(name string) (HetznerRegionConfig, bool) {
	if rc, ok := h.Regions[name]; ok {
		return rc, true
	}
	rc, ok := h.Regions[RegionDefault]
	return rc, ok
}

// Validate checks that the settings needed to bind a manager to region are present
func (h HetznerConfig) Validate(region string) error {
	errs := append([]error(nil), h.envErrs...)
	if h.Token == "" {
		errs = append(errs, errors.New("hetzner token is required"))
	}
	if h.Image == 0 {
		errs = append(errs, errors.New("hetzner image id is required"))
	}
	rc, ok := h.Region(region)
	if !ok {
		errs = append(errs, fmt.Errorf("no hetzner settings for region %q", region))
	} else {
		if len(rc.Networks) == 0 {
			errs = append(errs, fmt.Errorf("region %q has no networks", region))
		}
		if len(rc.Datacenters) == 0 {
			errs = append(errs, fmt.Errorf("region %q has no datacenters", region))
		}
		if rc.Gateway == "" {
			errs = append(errs, fmt.Errorf("region %q has no gateway", region))
		}
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	var envErrs []error
	config := &Config{
		Log: LogConfig{
			Level:       getEnvWithDefault("LOG_LEVEL", "info"),
			Format:      getEnvWithDefault("LOG_FORMAT", "json"),
			Sampling:    getEnvBoolWithDefault("LOG_SAMPLING", false),
			Development: getEnvBoolWithDefault("LOG_DEVELOPMENT", false),
		},
		Tracing: TracingConfig{
			Enabled:           getEnvBoolWithDefault("VMPOOL_TRACING_ENABLED", false),
			Exporter:          getEnvWithDefault("VMPOOL_TRACING_EXPORTER", "otlp"),
			Endpoint:          getEnvWithDefault("VMPOOL_TRACING_ENDPOINT", ""),
			SamplingRatio:     getEnvFloatWithDefault("VMPOOL_TRACING_SAMPLING_RATIO", 0.1),
			InsecureTransport: getEnvBoolWithDefault("VMPOOL_TRACING_INSECURE", true),
		},
		Metrics: MetricsConfig{
			Addr: getEnvWithDefault("VMPOOL_METRICS_ADDR", ""),
		},
		Pool: PoolConfig{
			Limit:      getEnvIntWithDefault("VM_POOL_LIMIT", 0),
			LimitLarge: getEnvIntWithDefault("VM_POOL_LIMIT_LARGE", 0),
		},
		RateLimit: RateLimitConfig{
			QPS:   getEnvFloatWithDefault("RATE_LIMIT_QPS", 10),
			Burst: getEnvIntWithDefault("RATE_LIMIT_BURST", 20),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvIntWithDefault("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDurationWithDefault("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDurationWithDefault("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:  getEnvFloatWithDefault("RETRY_MULTIPLIER", 2.0),
			Jitter:      getEnvBoolWithDefault("RETRY_JITTER", true),
		},
		CloudInit: CloudInitConfig{
			ImageName: getEnvWithDefault("VM_IMAGE_NAME", ""),
		},
		Hetzner: HetznerConfig{
			Endpoint:         getEnvWithDefault("HETZNER_API_ENDPOINT", DefaultHetznerEndpoint),
			Token:            getEnvWithDefault("HETZNER_TOKEN", ""),
			SSHKeys:          getEnvInt64SliceWithDefault("HETZNER_SSH_KEYS", nil, &envErrs),
			Image:            int64(getEnvIntWithDefault("HETZNER_IMAGE", 0)),
			ServerType:       getEnvWithDefault("HETZNER_SERVER_TYPE", "cpx11"),
			ServerTypeLarge:  getEnvWithDefault("HETZNER_SERVER_TYPE_LARGE", "cpx31"),
			RequestTimeout:   getEnvDurationWithDefault("HETZNER_REQUEST_TIMEOUT", 30*time.Second),
			TransportRetries: getEnvIntWithDefault("HETZNER_TRANSPORT_RETRIES", 0),
			Regions: map[string]HetznerRegionConfig{
				RegionDefault: {
					Networks:    getEnvInt64SliceWithDefault("HETZNER_NETWORKS", nil, &envErrs),
					Datacenters: getEnvSliceWithDefault("HETZNER_DATACENTERS", []string{"nbg1", "fsn1", "hel1"}),
					Gateway:     getEnvWithDefault("HETZNER_GATEWAY", ""),
				},
				RegionUS: {
					Networks:    getEnvInt64SliceWithDefault("HETZNER_NETWORKS_US", nil, &envErrs),
					Datacenters: getEnvSliceWithDefault("HETZNER_DATACENTERS_US", []string{"ash"}),
					Gateway:     getEnvWithDefault("HETZNER_GATEWAY_US", ""),
				},
			},
		},
	}
	config.Hetzner.envErrs = envErrs
	return config
}

// Load returns the default configuration overlaid with the YAML file, if any
func Load(configFile string) (*Config, error) {
	config := DefaultConfig()
	if configFile == "" {
		return config, nil
	}
	if err := loadFromFile(configFile, config); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}
	return config, nil
}

// Manager manages configuration with hot-reload capability
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	watchers []chan *Config
	watcher  *fsnotify.Watcher
	file     string
	onError  func(error)
}

// NewManager creates a new configuration manager.
// Reload failures are reported to onError, which may be nil.
func NewManager(configFile string, onError func(error)) (*Manager, error) {
	config, err := Load(configFile)
	if err != nil {
		return nil, err
	}

	if onError == nil {
		onError = func(error) {}
	}

	manager := &Manager{
		config:   config,
		watchers: make([]chan *Config, 0),
		file:     configFile,
		onError:  onError,
	}

	if configFile != "" {
		if err := manager.setupFileWatcher(); err != nil {
			// configuration is still usable without reloads
			onError(fmt.Errorf("failed to setup config file watcher: %w", err))
		}
	}

	return manager, nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch returns a channel that receives configuration updates
func (m *Manager) Watch() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.watchers = append(m.watchers, ch)

	// Send current config immediately
	ch <- m.config

	return ch
}

// Update updates the configuration and notifies watchers
func (m *Manager) Update(config *Config) {
	m.mu.Lock()
	m.config = config
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, watcher := range watchers {
		// drop the oldest pending update so the newest always wins
		select {
		case <-watcher:
		default:
		}
		select {
		case watcher <- config:
		default:
		}
	}
}

// Close closes the configuration manager and cleans up resources
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, watcher := range m.watchers {
		close(watcher)
	}
	m.watchers = nil

	if m.watcher != nil {
		return m.watcher.Close()
	}

	return nil
}

// setupFileWatcher sets up file system notification for config changes
func (m *Manager) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.onError(fmt.Errorf("config file watcher: %w", err))
			}
		}
	}()

	return watcher.Add(m.file)
}

// reloadConfig reloads configuration from file
func (m *Manager) reloadConfig() {
	config, err := Load(m.file)
	if err != nil {
		m.onError(fmt.Errorf("reloading config: %w", err))
		return
	}
	m.Update(config)
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, config)
}

// ParseInt64List parses a comma-separated list of integers, ignoring blanks
func ParseInt64List(value string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseStringList parses a comma-separated list, trimming and ignoring blanks
func ParseStringList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSliceWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return ParseStringList(value)
	}
	return defaultValue
}

// getEnvInt64SliceWithDefault records a malformed list in errs instead of
// silently using the default
func getEnvInt64SliceWithDefault(key string, defaultValue []int64, errs *[]error) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := ParseInt64List(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return parsed
}
