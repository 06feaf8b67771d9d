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

package contracts

import (
	"context"
)

// Manager is the lifecycle contract every provider adapter implements.
// A Manager is bound to a single provider, region and size tier at
// construction time and holds no state between calls.
type Manager interface {
	// Binding returns the provider, region and size tier this manager serves
	Binding() Binding

	// StartVM requests creation of one instance and returns its provider id.
	// Errors are always propagated.
	StartVM(ctx context.Context, name string) (string, error)

	// TerminateVM irreversibly destroys the instance.
	// On error the instance state is unknown and should be re-queried before retrying.
	TerminateVM(ctx context.Context, id string) error

	// RebootVM returns the instance to a clean state and rotates its credential
	RebootVM(ctx context.Context, id string) error

	// GetVM fetches one instance. A nil record with a nil error means the
	// instance exists but has no private address yet.
	GetVM(ctx context.Context, id string) (*VM, error)

	// ListVMs returns every instance matching the provider-native label filter
	// that also carries this manager's pool tag. An empty filter means no filter.
	ListVMs(ctx context.Context, filter string) ([]VM, error)

	// PowerOn tries to power on an instance that is unexpectedly off.
	PowerOn(ctx context.Context, id string) BestEffort

	// AttachToNetwork tries to attach an instance to the last configured network.
	AttachToNetwork(ctx context.Context, id string) BestEffort
}

// BestEffort is the outcome of an operation whose failure must never fail the caller.
// It does not implement error.
type BestEffort struct {
	// Operation names the attempted action
	Operation string
	// ID is the instance the action targeted
	ID string
	// Err holds the suppressed failure, if any
	Err error
}

// OK reports whether the action succeeded
func (b BestEffort) OK() bool {
	return b.Err == nil
}

// Best-effort operation names
const (
	OpPowerOn         = "PowerOn"
	OpAttachToNetwork = "AttachToNetwork"
)
