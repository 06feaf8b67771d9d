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

// Package hetzner implements the VM manager contract against the Hetzner Cloud API.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otrace "go.opentelemetry.io/otel/trace"

	"github.com/projectbeskar/vmpool/internal/cloudinit"
	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/obs/metrics"
	"github.com/projectbeskar/vmpool/internal/obs/tracing"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

const (
	// ProviderName is the adapter identity carried by every record
	ProviderName = "Hetzner"

	// DefaultPageSize is the largest page the Hetzner API serves
	DefaultPageSize = 50

	// LargeResolution is passed to the cloud-init generator for the large tier
	LargeResolution = "1920x1080@30"

	// OriginalNameLabel preserves the requested name across renames
	OriginalNameLabel = "originalName"

	poolTagValue = "1"
	metricsLabel = "hetzner"
)

// CloudInitFlags are the feature flags every Hetzner VM boots with
var CloudInitFlags = cloudinit.FeatureFlags{false, false, true}

// Picker returns an index in [0, n)
type Picker func(n int) int

// Manager is the Hetzner Cloud VM manager bound to one region and size tier
type Manager struct {
	binding   contracts.Binding
	cfg       config.HetznerConfig
	placement config.HetznerRegionConfig
	poolLimit int
	imageName string

	client    *hcloudapi.Client
	generator cloudinit.Generator
	pick      Picker
	pageSize  int
	logger    logr.Logger
	metrics   *metrics.VMOperationMetrics
}

var _ contracts.Manager = (*Manager)(nil)

// Option configures a Manager
type Option func(*Manager)

// WithClient sets the API client instead of building one from configuration
func WithClient(client *hcloudapi.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithGenerator sets the cloud-init generator
func WithGenerator(generator cloudinit.Generator) Option {
	return func(m *Manager) {
		m.generator = generator
	}
}

// WithLogger sets the logger used when the call context carries none
func WithLogger(logger logr.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPicker sets the placement index picker
func WithPicker(pick Picker) Option {
	return func(m *Manager) {
		m.pick = pick
	}
}

// WithPageSize overrides the list page size
func WithPageSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.pageSize = size
		}
	}
}

// New creates a Hetzner manager for the binding. The binding provider is
// matched case-insensitively and normalized to ProviderName.
func New(cfg *config.Config, binding contracts.Binding, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if binding.Provider != "" && !strings.EqualFold(binding.Provider, ProviderName) {
		return nil, contracts.NewInvalidSpecError(fmt.Sprintf("invalid provider: %s, expected %s", binding.Provider, ProviderName), nil)
	}
	binding.Provider = ProviderName
	if binding.Region == "" {
		binding.Region = config.RegionDefault
	}

	errs := []error{cfg.Hetzner.Validate(binding.Region)}
	if cfg.CloudInit.ImageName == "" {
		errs = append(errs, errors.New("cloud-init image name is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, contracts.NewInvalidSpecError("invalid hetzner configuration", err)
	}
	placement, _ := cfg.Hetzner.Region(binding.Region)

	m := &Manager{
		binding:   binding,
		cfg:       cfg.Hetzner,
		placement: placement,
		poolLimit: cfg.Pool.LimitFor(binding.Large),
		imageName: cfg.CloudInit.ImageName,
		generator: cloudinit.Default(),
		pick:      rand.IntN,
		pageSize:  DefaultPageSize,
		logger:    logr.Discard(),
		metrics:   metrics.NewVMOperationMetrics(metricsLabel, binding.Region, binding.Tier()),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		client, err := hcloudapi.NewClient(&hcloudapi.Config{
			Endpoint:       cfg.Hetzner.Endpoint,
			Token:          cfg.Hetzner.Token,
			RequestTimeout: cfg.Hetzner.RequestTimeout,
			RetryMax:       cfg.Hetzner.TransportRetries,
			QPS:            cfg.RateLimit.QPS,
			Burst:          cfg.RateLimit.Burst,
			Logger:         m.logger.WithName("hcloud"),
		})
		if err != nil {
			return nil, contracts.NewInvalidSpecError("failed to create hetzner client", err)
		}
		m.client = client
	}

	return m, nil
}

// Binding returns the provider, region and size tier of the manager
func (m *Manager) Binding() contracts.Binding {
	return m.binding
}

// serverType returns the server type of the bound size tier
func (m *Manager) serverType() string {
	if m.binding.Large {
		return m.cfg.ServerTypeLarge
	}
	return m.cfg.ServerType
}

// resolution returns the display resolution of the bound size tier
func (m *Manager) resolution() string {
	if m.binding.Large {
		return LargeResolution
	}
	return ""
}

// choosePlacement picks a network and a location uniformly at random
func (m *Manager) choosePlacement() (int64, string) {
	network := m.placement.Networks[m.pick(len(m.placement.Networks))]
	location := m.placement.Datacenters[m.pick(len(m.placement.Datacenters))]
	return network, location
}

// StartVM creates one server and returns its id
func (m *Manager) StartVM(ctx context.Context, name string) (_ string, err error) {
	ctx, log, scope := m.begin(ctx, "StartVM", "", tracing.AttrVMName.String(name))
	defer func() { scope.end(err) }()

	userData, err := m.generator.Generate(m.imageName, m.resolution(), CloudInitFlags)
	if err != nil {
		return "", fmt.Errorf("failed to generate cloud-init: %w", err)
	}

	network, location := m.choosePlacement()
	opts := hcloudapi.ServerCreateOpts{
		Name:             name,
		ServerType:       m.serverType(),
		StartAfterCreate: true,
		Image:            m.cfg.Image,
		SSHKeys:          m.cfg.SSHKeys,
		Networks:         []int64{network},
		UserData:         string(userData),
		Labels: map[string]string{
			m.binding.PoolTag(): poolTagValue,
			OriginalNameLabel:   name,
		},
		Location: location,
	}

	result, _, err := m.client.CreateServer(ctx, opts)
	if err != nil {
		return "", translateError("create server", err)
	}

	id := strconv.FormatInt(result.Server.ID, 10)
	log.Info("Created server", "vm", id, "name", name, "serverType", opts.ServerType,
		"location", opts.Location, "network", opts.Networks[0])
	return id, nil
}

// TerminateVM deletes the server
func (m *Manager) TerminateVM(ctx context.Context, id string) (err error) {
	ctx, log, scope := m.begin(ctx, "TerminateVM", id)
	defer func() { scope.end(err) }()

	serverID, err := parseID(id)
	if err != nil {
		return err
	}

	if _, _, err := m.client.DeleteServer(ctx, serverID); err != nil {
		return translateError("delete server", err)
	}

	log.Info("Deleted server")
	return nil
}

// RebootVM rotates the server credential by renaming it to a fresh random
// value and then rebuilding it from the configured image. The rename must
// succeed before the rebuild is issued; a failed rebuild leaves the server
// renamed.
func (m *Manager) RebootVM(ctx context.Context, id string) (err error) {
	ctx, log, scope := m.begin(ctx, "RebootVM", id)
	defer func() { scope.end(err) }()

	serverID, err := parseID(id)
	if err != nil {
		return err
	}

	credential := uuid.NewString()
	if _, _, err := m.client.UpdateServer(ctx, serverID, hcloudapi.ServerUpdateOpts{Name: credential}); err != nil {
		return translateError("rename server", err)
	}
	log.V(1).Info("Renamed server for rebuild")

	if _, _, err := m.client.RebuildServer(ctx, serverID, hcloudapi.ServerRebuildOpts{Image: m.cfg.Image}); err != nil {
		return translateError("rebuild after rename", err)
	}

	log.Info("Rebuilding server", "image", m.cfg.Image)
	return nil
}

// GetVM fetches one server. It returns nil without error while the server
// has no private address.
func (m *Manager) GetVM(ctx context.Context, id string) (_ *contracts.VM, err error) {
	ctx, log, scope := m.begin(ctx, "GetVM", id)
	defer func() { scope.end(err) }()

	serverID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	server, resp, err := m.client.GetServer(ctx, serverID)
	if err != nil {
		return nil, translateError("get server", err)
	}
	log.V(1).Info("Fetched server", "rateLimitRemaining", resp.RateLimitRemaining)

	vm := mapServer(server, m.binding, m.placement.Gateway)
	if !vm.Ready() {
		log.V(1).Info("Server has no private address yet", "state", vm.State)
		return nil, nil
	}
	return &vm, nil
}

// operation tracks the span, timer and deadline of one manager call
type operation struct {
	m      *Manager
	name   string
	log    logr.Logger
	span   otrace.Span
	timer  *metrics.Timer
	cancel context.CancelFunc
}

// begin prepares the context, logger and span of one operation
func (m *Manager) begin(ctx context.Context, op, id string, attrs ...attribute.KeyValue) (context.Context, logr.Logger, *operation) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && m.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
	}

	if _, err := logr.FromContext(ctx); err != nil {
		ctx = logging.IntoContext(ctx, m.logger)
	}
	ctx = logging.WithProvider(ctx, m.binding.Provider, m.binding.Region)
	ctx = logging.WithOperation(ctx, op)
	if id != "" {
		ctx = logging.WithVM(ctx, id)
		attrs = append(attrs, tracing.AttrVMID.String(id))
	}

	ctx, span := tracing.StartOperationSpan(ctx, metricsLabel, m.binding.Region, m.binding.Tier(), op, attrs...)
	log := logging.FromContext(ctx)

	return ctx, log, &operation{
		m:      m,
		name:   op,
		log:    log,
		span:   span,
		timer:  metrics.NewTimer(),
		cancel: cancel,
	}
}

// end records the outcome of an operation whose errors propagate
func (o *operation) end(err error) {
	o.m.metrics.RecordOperation(o.name, err, o.timer.Duration())
	if err != nil {
		o.log.Error(logging.RedactError(err), "Operation failed")
	}
	tracing.EndSpan(o.span, err)
	o.cancel()
}

// suppress records the outcome of a best-effort operation
func (o *operation) suppress(err error) {
	o.m.metrics.RecordOperation(o.name, err, o.timer.Duration())
	if err != nil {
		o.m.metrics.RecordBestEffortFailure(o.name)
		o.log.Info("Best-effort operation failed", "error", logging.RedactString(err.Error()))
	}
	tracing.EndSpan(o.span, err)
	o.cancel()
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, contracts.NewInvalidSpecError(fmt.Sprintf("invalid server id %q", id), err)
	}
	return n, nil
}
