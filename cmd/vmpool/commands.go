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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/projectbeskar/vmpool/internal/obs/health"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/pool"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/resilience"
	"github.com/projectbeskar/vmpool/internal/util"
	"github.com/projectbeskar/vmpool/internal/version"
)

func (a *app) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Provision a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			id, err := mgr.StartVM(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to start VM: %w", err)
			}
			return a.printID(cmd.OutOrStdout(), id, "started")
		},
	}
}

func (a *app) terminateCommand() *cobra.Command {
	var noRetry bool
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Destroy a VM",
		Long:  "Destroy a VM. Failed attempts are retried after re-querying the VM.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			retry := a.configs.Get().Retry
			if noRetry {
				retry = resilience.NoRetryConfig()
			}
			if err := pool.Terminate(ctx, mgr, args[0], retry); err != nil {
				return err
			}
			return a.printID(cmd.OutOrStdout(), args[0], "terminated")
		},
	}
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "Make a single attempt")
	return cmd
}

func (a *app) rebootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reboot <id>",
		Short: "Reclaim a VM with a fresh credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if err := mgr.RebootVM(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to reboot VM: %w", err)
			}
			return a.printID(cmd.OutOrStdout(), args[0], "rebooted")
		},
	}
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			vm, err := mgr.GetVM(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get VM: %w", err)
			}
			if vm == nil {
				return fmt.Errorf("VM %s is not ready", args[0])
			}
			return a.printVM(cmd.OutOrStdout(), *vm)
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the VMs of the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			vms, err := mgr.ListVMs(ctx, selector)
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}
			return a.printVMs(cmd.OutOrStdout(), vms)
		},
	}
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Provider label selector")
	return cmd
}

// bestEffortCommand runs a best-effort operation and reports its outcome.
// A failed outcome is the exit status of the command.
func (a *app) bestEffortCommand(use, short string, op func(contracts.Manager, context.Context, string) contracts.BestEffort) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			result := op(mgr, ctx, args[0])
			if err := a.printResults(cmd.OutOrStdout(), []contracts.BestEffort{result}); err != nil {
				return err
			}
			if !result.OK() {
				return fmt.Errorf("%s %s: %w", result.Operation, result.ID, result.Err)
			}
			return nil
		},
	}
}

func (a *app) powerOnCommand() *cobra.Command {
	return a.bestEffortCommand("power-on <id>", "Power on a VM", contracts.Manager.PowerOn)
}

func (a *app) attachNetworkCommand() *cobra.Command {
	return a.bestEffortCommand("attach-network <id>", "Attach a VM to the last configured network", contracts.Manager.AttachToNetwork)
}

func (a *app) waitCommand() *cobra.Command {
	var waitFor time.Duration
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a VM has a private address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
			defer cancel()

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			vm, err := pool.WaitReady(ctx, mgr, args[0], util.BackoffFromRetry(a.configs.Get().Retry))
			if err != nil {
				return err
			}
			return a.printVM(cmd.OutOrStdout(), *vm)
		},
	}
	cmd.Flags().DurationVar(&waitFor, "for", 5*time.Minute, "Give up after this long")
	return cmd
}

func (a *app) nudgeCommand() *cobra.Command {
	var (
		selector string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "nudge",
		Short: "Power on stopped VMs and attach detached ones",
		Long: "Lists the pool and issues PowerOn for VMs that are off and AttachToNetwork for " +
			"running VMs without a private address. With --interval the pass repeats until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return a.nudgeOnce(cmd, selector)
			}
			return a.nudgeLoop(cmd, selector, interval)
		},
	}
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Provider label selector")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat the pass at this interval")
	return cmd
}

func (a *app) nudgeOnce(cmd *cobra.Command, selector string) error {
	ctx, cancel := a.withTimeout(cmd.Context())
	defer cancel()

	mgr, err := a.manager(ctx)
	if err != nil {
		return err
	}
	results, err := pool.NudgePool(ctx, mgr, selector)
	if err != nil {
		return err
	}
	return a.printResults(cmd.OutOrStdout(), results)
}

// nudgeLoop repeats the nudge pass. A configuration reload drops the cached
// managers so the next pass picks up new credentials and placement.
func (a *app) nudgeLoop(cmd *cobra.Command, selector string, interval time.Duration) error {
	ctx := cmd.Context()
	log := logging.FromContext(ctx)

	tracker := health.NewPassTracker(3 * interval)
	a.health.Register("nudge", tracker.Check)

	updates := a.configs.Watch()
	<-updates
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := a.nudgeOnce(cmd, selector)
		tracker.Observe(err)
		if err != nil {
			log.Error(logging.RedactError(err), "Nudge pass failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				updates = nil
			} else {
				log.Info("Configuration changed, rebuilding managers")
				a.registry.InvalidateAll()
			}
			// the next tick runs the pass
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		case <-ticker.C:
		}
	}
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "vmpool %s\n", version.String())
			return err
		},
	}
}
