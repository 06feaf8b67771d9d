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

// Package mock provides an in-memory VM manager for testing and demos.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
)

// ProviderName is the adapter identity carried by every mock record
const ProviderName = "Mock"

// Gateway prefixes the host of every mock record
const Gateway = "https://gateway.mock.invalid"

// Operation names accepted by the failure mode
const (
	OpStart     = "start"
	OpTerminate = "terminate"
	OpReboot    = "reboot"
	OpGet       = "get"
	OpList      = "list"
	OpPowerOn   = "poweron"
	OpAttach    = "attach"
	OpAll       = "all"
)

// Manager implements contracts.Manager in memory
type Manager struct {
	mu          sync.RWMutex
	binding     contracts.Binding
	vms         map[string]*VirtualMachine
	failureMode string
	slowMode    bool
	readyAfter  int
	nextIP      int
}

var _ contracts.Manager = (*Manager)(nil)

// VirtualMachine represents a mock virtual machine
type VirtualMachine struct {
	ID        string
	Name      string
	State     string
	PrivateIP string
	Labels    map[string]string
	Created   time.Time
	polls     int
}

// Option configures the mock manager
type Option func(*Manager)

// WithFailureMode makes the named operation, or every operation for "all", fail
func WithFailureMode(mode string) Option {
	return func(m *Manager) {
		m.failureMode = mode
	}
}

// WithSlowMode adds a random delay to every operation
func WithSlowMode(slow bool) Option {
	return func(m *Manager) {
		m.slowMode = slow
	}
}

// WithReadyAfter delays the private address until the VM was polled n times
func WithReadyAfter(n int) Option {
	return func(m *Manager) {
		m.readyAfter = n
	}
}

// NewManager creates a mock manager. MOCK_FAILURE_MODE and MOCK_SLOW_MODE
// provide the defaults for the failure and slow modes.
func NewManager(binding contracts.Binding, opts ...Option) *Manager {
	if binding.Provider == "" {
		binding.Provider = ProviderName
	}
	m := &Manager{
		binding:     binding,
		vms:         make(map[string]*VirtualMachine),
		failureMode: os.Getenv("MOCK_FAILURE_MODE"),
		slowMode:    os.Getenv("MOCK_SLOW_MODE") == "true",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Binding returns the binding of the manager
func (m *Manager) Binding() contracts.Binding {
	return m.binding
}

// StartVM creates a running VM
func (m *Manager) StartVM(ctx context.Context, name string) (string, error) {
	if err := m.enter(ctx, OpStart); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	vm := &VirtualMachine{
		ID:      id,
		Name:    name,
		State:   "running",
		Created: time.Now().UTC(),
		Labels: map[string]string{
			m.binding.PoolTag(): "1",
			"originalName":      name,
		},
	}
	if m.readyAfter == 0 {
		vm.PrivateIP = m.allocateIP()
	}
	m.vms[id] = vm
	return id, nil
}

// TerminateVM removes the VM
func (m *Manager) TerminateVM(ctx context.Context, id string) error {
	if err := m.enter(ctx, OpTerminate); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vms[id]; !ok {
		return contracts.NewNotFoundError(fmt.Sprintf("vm %s not found", id), nil)
	}
	delete(m.vms, id)
	return nil
}

// RebootVM rotates the credential of the VM
func (m *Manager) RebootVM(ctx context.Context, id string) error {
	if err := m.enter(ctx, OpReboot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return contracts.NewNotFoundError(fmt.Sprintf("vm %s not found", id), nil)
	}
	vm.Name = uuid.NewString()
	vm.State = "running"
	return nil
}

// GetVM returns the VM, or nil while it has no private address
func (m *Manager) GetVM(ctx context.Context, id string) (*contracts.VM, error) {
	if err := m.enter(ctx, OpGet); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return nil, contracts.NewNotFoundError(fmt.Sprintf("vm %s not found", id), nil)
	}

	vm.polls++
	if vm.PrivateIP == "" && vm.State == "running" && m.readyAfter > 0 && vm.polls >= m.readyAfter {
		vm.PrivateIP = m.allocateIP()
	}

	record := m.toRecord(vm)
	if !record.Ready() {
		return nil, nil
	}
	return &record, nil
}

// ListVMs returns the VMs carrying the pool tag that match the filter.
// The filter is a comma separated list of "key" or "key=value" terms.
func (m *Manager) ListVMs(ctx context.Context, filter string) ([]contracts.VM, error) {
	if err := m.enter(ctx, OpList); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	poolTag := m.binding.PoolTag()
	vms := make([]contracts.VM, 0, len(m.vms))
	for _, vm := range m.vms {
		if !matches(vm.Labels, filter) {
			continue
		}
		record := m.toRecord(vm)
		if record.HasTag(poolTag) {
			vms = append(vms, record)
		}
	}
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].CreationDate.Equal(vms[j].CreationDate) {
			return vms[i].ID < vms[j].ID
		}
		return vms[i].CreationDate.Before(vms[j].CreationDate)
	})
	return vms, nil
}

// PowerOn marks the VM running
func (m *Manager) PowerOn(ctx context.Context, id string) contracts.BestEffort {
	result := contracts.BestEffort{Operation: contracts.OpPowerOn, ID: id}
	if result.Err = m.enter(ctx, OpPowerOn); result.Err != nil {
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		result.Err = contracts.NewNotFoundError(fmt.Sprintf("vm %s not found", id), nil)
		return result
	}
	vm.State = "running"
	return result
}

// AttachToNetwork gives the VM a private address if it has none
func (m *Manager) AttachToNetwork(ctx context.Context, id string) contracts.BestEffort {
	result := contracts.BestEffort{Operation: contracts.OpAttachToNetwork, ID: id}
	if result.Err = m.enter(ctx, OpAttach); result.Err != nil {
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		result.Err = contracts.NewNotFoundError(fmt.Sprintf("vm %s not found", id), nil)
		return result
	}
	if vm.PrivateIP == "" {
		vm.PrivateIP = m.allocateIP()
	}
	return result
}

// SetState overrides the state of a VM
func (m *Manager) SetState(id, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, ok := m.vms[id]; ok {
		vm.State = state
	}
}

// DetachNetwork clears the private address of a VM
func (m *Manager) DetachNetwork(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, ok := m.vms[id]; ok {
		vm.PrivateIP = ""
	}
}

// Count returns the number of VMs
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vms)
}

// enter applies the failure and slow modes
func (m *Manager) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.simulateDelay()
	if m.shouldFail(op) {
		return contracts.NewRetryableError(fmt.Sprintf("mock manager configured to fail %s operations", op), nil)
	}
	return nil
}

// shouldFail checks if the manager should fail for the given operation
func (m *Manager) shouldFail(op string) bool {
	if m.failureMode == "" {
		return false
	}
	return m.failureMode == op || m.failureMode == OpAll
}

// simulateDelay simulates network/processing delay if slow mode is enabled
func (m *Manager) simulateDelay() {
	if m.slowMode {
		delay := time.Duration(rand.IntN(500)+100) * time.Millisecond
		time.Sleep(delay)
	}
}

// allocateIP must be called with the lock held
func (m *Manager) allocateIP() string {
	m.nextIP++
	return fmt.Sprintf("10.99.%d.%d", m.nextIP/250, m.nextIP%250+2)
}

func (m *Manager) toRecord(vm *VirtualMachine) contracts.VM {
	tags := make([]string, 0, len(vm.Labels))
	for k := range vm.Labels {
		tags = append(tags, k)
	}
	sort.Strings(tags)

	return contracts.VM{
		ID:           vm.ID,
		Pass:         vm.Name,
		Host:         Gateway + "/?ip=" + vm.PrivateIP,
		PrivateIP:    vm.PrivateIP,
		State:        vm.State,
		Tags:         tags,
		CreationDate: vm.Created,
		OriginalName: vm.Labels["originalName"],
		Provider:     m.binding.Provider,
		Large:        m.binding.Large,
		Region:       m.binding.Region,
	}
}

// matches evaluates a comma separated list of "key" and "key=value" terms
func matches(labels map[string]string, filter string) bool {
	for _, term := range strings.Split(filter, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key, value, hasValue := strings.Cut(term, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}
