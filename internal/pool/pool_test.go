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

package pool

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/mock"
	"github.com/projectbeskar/vmpool/internal/util"
)

// flakyManager fails the first TerminateVM calls and records GetVM calls
type flakyManager struct {
	*mock.Manager
	terminateFailures int
	terminateErr      error
	terminateCalls    int
	getCalls          int
	deleteOnFailure   bool
}

func (f *flakyManager) TerminateVM(ctx context.Context, id string) error {
	f.terminateCalls++
	if f.terminateFailures > 0 {
		f.terminateFailures--
		if f.deleteOnFailure {
			_ = f.Manager.TerminateVM(ctx, id)
		}
		return f.terminateErr
	}
	return f.Manager.TerminateVM(ctx, id)
}

func (f *flakyManager) GetVM(ctx context.Context, id string) (*contracts.VM, error) {
	f.getCalls++
	return f.Manager.GetVM(ctx, id)
}

var fastRetry = config.RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

var fastBackoff = util.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

var _ = Describe("Pool helpers", func() {
	var (
		ctx     context.Context
		manager *mock.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		manager = mock.NewManager(contracts.Binding{Region: "EU"}, mock.WithFailureMode(""), mock.WithReadyAfter(3))
	})

	Describe("WaitReady", func() {
		It("should poll until the VM has a private address", func() {
			id, err := manager.StartVM(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			vm, err := WaitReady(ctx, manager, id, fastBackoff)
			Expect(err).NotTo(HaveOccurred())
			Expect(vm).NotTo(BeNil())
			Expect(vm.Ready()).To(BeTrue())
			Expect(vm.OriginalName).To(Equal("worker-1"))
		})

		It("should propagate lookup errors", func() {
			_, err := WaitReady(ctx, manager, "missing", fastBackoff)
			Expect(contracts.IsNotFound(err)).To(BeTrue())
		})

		It("should stop when the context is done", func() {
			slow := mock.NewManager(contracts.Binding{Region: "EU"}, mock.WithFailureMode(""), mock.WithReadyAfter(1000))
			id, err := slow.StartVM(ctx, "worker-2")
			Expect(err).NotTo(HaveOccurred())

			timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = WaitReady(timeout, slow, id, fastBackoff)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Terminate", func() {
		It("should delete the VM", func() {
			id, err := manager.StartVM(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(Terminate(ctx, manager, id, fastRetry)).To(Succeed())
			Expect(manager.Count()).To(Equal(0))
		})

		It("should re-query before retrying a failed delete", func() {
			flaky := &flakyManager{
				Manager:           manager,
				terminateFailures: 2,
				terminateErr:      contracts.NewHTTPError(503, "unavailable", nil),
			}
			id, err := flaky.StartVM(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(Terminate(ctx, flaky, id, fastRetry)).To(Succeed())
			Expect(flaky.terminateCalls).To(Equal(3))
			Expect(flaky.getCalls).To(Equal(2))
			Expect(manager.Count()).To(Equal(0))
		})

		It("should treat a VM deleted by a failed call as terminated", func() {
			flaky := &flakyManager{
				Manager:           manager,
				terminateFailures: 1,
				terminateErr:      contracts.NewHTTPError(504, "timeout", nil),
				deleteOnFailure:   true,
			}
			id, err := flaky.StartVM(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(Terminate(ctx, flaky, id, fastRetry)).To(Succeed())
			Expect(flaky.terminateCalls).To(Equal(1))
			Expect(flaky.getCalls).To(Equal(1))
		})

		It("should not retry non-retryable errors", func() {
			flaky := &flakyManager{
				Manager:           manager,
				terminateFailures: 5,
				terminateErr:      contracts.NewHTTPError(403, "forbidden", nil),
			}
			id, err := flaky.StartVM(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			err = Terminate(ctx, flaky, id, fastRetry)
			Expect(err).To(HaveOccurred())
			Expect(flaky.terminateCalls).To(Equal(1))
		})

		It("should succeed for a VM that is already gone", func() {
			Expect(Terminate(ctx, manager, "missing", fastRetry)).To(Succeed())
		})
	})

	Describe("Nudge", func() {
		It("should power on VMs that are off and attach running VMs without an address", func() {
			off, err := manager.StartVM(ctx, "off")
			Expect(err).NotTo(HaveOccurred())
			detached, err := manager.StartVM(ctx, "detached")
			Expect(err).NotTo(HaveOccurred())
			manager.SetState(off, StateOff)

			vms, err := manager.ListVMs(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			results := Nudge(ctx, manager, vms)
			Expect(results).To(HaveLen(2))
			Expect(Failed(results)).To(BeEmpty())

			ops := map[string]string{}
			for _, r := range results {
				ops[r.ID] = r.Operation
			}
			Expect(ops).To(Equal(map[string]string{
				off:      contracts.OpPowerOn,
				detached: contracts.OpAttachToNetwork,
			}))

			vm, err := manager.GetVM(ctx, detached)
			Expect(err).NotTo(HaveOccurred())
			Expect(vm).NotTo(BeNil())
		})

		It("should skip healthy VMs", func() {
			ready := mock.NewManager(contracts.Binding{Region: "EU"}, mock.WithFailureMode(""))
			_, err := ready.StartVM(ctx, "healthy")
			Expect(err).NotTo(HaveOccurred())

			results, err := NudgePool(ctx, ready, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})

		It("should report failures without failing", func() {
			failing := mock.NewManager(contracts.Binding{Region: "EU"}, mock.WithFailureMode(mock.OpPowerOn))
			vms := []contracts.VM{{ID: "a", State: StateOff}, {ID: "b", State: "running"}}

			results := Nudge(ctx, failing, vms)
			Expect(results).To(HaveLen(2))
			failed := Failed(results)
			Expect(failed).To(HaveLen(2))
			Expect(failed[0].Operation).To(Equal(contracts.OpPowerOn))
			Expect(contracts.IsRetryable(failed[0].Err)).To(BeTrue())
			Expect(contracts.IsNotFound(failed[1].Err)).To(BeTrue())
		})

		It("should propagate listing errors from NudgePool", func() {
			failing := mock.NewManager(contracts.Binding{Region: "EU"}, mock.WithFailureMode(mock.OpList))
			_, err := NudgePool(ctx, failing, "")
			Expect(err).To(HaveOccurred())
		})
	})
})
