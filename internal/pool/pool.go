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

// Package pool holds helpers that a pool reconciliation loop builds on top
// of a contracts.Manager.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/resilience"
	"github.com/projectbeskar/vmpool/internal/util"
)

// StateOff is the provider state of a powered off VM
const StateOff = "off"

// StateRunning is the provider state of a running VM
const StateRunning = "running"

// WaitReady polls GetVM with backoff until the VM has a private address.
// Errors other than the not-ready signal end the wait.
func WaitReady(ctx context.Context, mgr contracts.Manager, id string, backoff util.BackoffConfig) (*contracts.VM, error) {
	log := logging.FromContext(logging.WithVM(ctx, id))

	for attempt := 0; ; attempt++ {
		vm, err := mgr.GetVM(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("waiting for vm %s: %w", id, err)
		}
		if vm != nil {
			log.V(1).Info("VM is ready", "polls", attempt+1)
			return vm, nil
		}

		delay := util.CalculateBackoff(backoff, attempt)
		log.V(1).Info("VM not ready yet", "attempt", attempt+1, "delay", delay.String())
		if err := util.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("waiting for vm %s: %w", id, err)
		}
	}
}

// Terminate deletes a VM, retrying retryable failures. A failed delete
// leaves the VM state unknown, so every retry re-queries it first. A VM that
// no longer exists counts as terminated.
func Terminate(ctx context.Context, mgr contracts.Manager, id string, retry config.RetryConfig) error {
	log := logging.FromContext(logging.WithVM(ctx, id))

	err := resilience.RetryWithHook(ctx, retry, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if _, err := mgr.GetVM(ctx, id); err != nil {
				if contracts.IsNotFound(err) {
					return nil
				}
				return err
			}
		}

		err := mgr.TerminateVM(ctx, id)
		if contracts.IsNotFound(err) {
			return nil
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		log.Info("Terminate failed, retrying", "attempt", attempt+1, "delay", delay.String(), "error", logging.RedactString(err.Error()))
	})
	if err != nil {
		return fmt.Errorf("terminate vm %s: %w", id, err)
	}
	return nil
}

// Nudge issues the corrective best-effort operations for a listing: PowerOn
// for VMs that are off and AttachToNetwork for running VMs that are not ready.
// Outcomes are returned for monitoring; Nudge itself never fails.
func Nudge(ctx context.Context, mgr contracts.Manager, vms []contracts.VM) []contracts.BestEffort {
	log := logging.FromContext(ctx)

	var results []contracts.BestEffort
	for _, vm := range vms {
		var result contracts.BestEffort
		switch {
		case vm.State == StateOff:
			result = mgr.PowerOn(ctx, vm.ID)
		case vm.State == StateRunning && !vm.Ready():
			result = mgr.AttachToNetwork(ctx, vm.ID)
		default:
			continue
		}
		if !result.OK() {
			log.Info("Nudge failed", "vm", vm.ID, "operation", result.Operation, "error", logging.RedactString(result.Err.Error()))
		}
		results = append(results, result)
	}
	return results
}

// NudgePool lists the pool and nudges every VM that needs it
func NudgePool(ctx context.Context, mgr contracts.Manager, filter string) ([]contracts.BestEffort, error) {
	vms, err := mgr.ListVMs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pool: %w", err)
	}
	return Nudge(ctx, mgr, vms), nil
}

// Failed returns the outcomes that did not succeed
func Failed(results []contracts.BestEffort) []contracts.BestEffort {
	var failed []contracts.BestEffort
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}
