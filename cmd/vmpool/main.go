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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/health"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/obs/metrics"
	"github.com/projectbeskar/vmpool/internal/obs/tracing"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/registry"
	"github.com/projectbeskar/vmpool/internal/util/closer"
	"github.com/projectbeskar/vmpool/internal/version"
)

// Output formats
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type options struct {
	configFile  string
	provider    string
	region      string
	large       bool
	output      string
	timeout     time.Duration
	metricsAddr string
}

// app holds the state shared by every command of one invocation
type app struct {
	opts     options
	registry *registry.Registry
	configs  *config.Manager
	logger   logr.Logger
	health   *health.Checker
	closers  []io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, registry.NewDefault()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one CLI invocation and releases everything it set up
func run(ctx context.Context, args []string, out io.Writer, reg *registry.Registry) error {
	a := &app{
		registry: reg,
		logger:   logr.Discard(),
		health:   health.NewChecker(5 * time.Second),
	}
	defer a.teardown()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "vmpool",
		Short:             "CLI tool for vmpool",
		Long:              "Command-line interface driving one VM pool manager",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.configFile, "config", "", "Path to the YAML configuration file")
	flags.StringVar(&a.opts.provider, "provider", "hetzner", "Provider adapter")
	flags.StringVar(&a.opts.region, "region", config.RegionDefault, "Logical region")
	flags.BoolVar(&a.opts.large, "large", false, "Use the large size tier")
	flags.StringVarP(&a.opts.output, "output", "o", outputTable, "Output format (table|json|yaml)")
	flags.DurationVar(&a.opts.timeout, "timeout", 30*time.Second, "Request timeout")
	flags.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "Serve metrics and health endpoints on this address")

	rootCmd.AddCommand(
		a.startCommand(),
		a.terminateCommand(),
		a.rebootCommand(),
		a.getCommand(),
		a.listCommand(),
		a.powerOnCommand(),
		a.attachNetworkCommand(),
		a.waitCommand(),
		a.nudgeCommand(),
		a.versionCommand(),
	)
	return rootCmd
}

// setup loads configuration and wires logging, tracing and metrics
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	switch a.opts.output {
	case outputTable, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unsupported output format %q", a.opts.output)
	}
	if !a.registry.IsSupported(a.opts.provider) {
		return fmt.Errorf("unsupported provider %q, supported: %v", a.opts.provider, a.registry.ListSupportedProviders())
	}

	configs, err := config.NewManager(a.opts.configFile, func(err error) {
		a.logger.Error(err, "Configuration error")
	})
	if err != nil {
		return err
	}
	a.configs = configs
	a.closers = append(a.closers, configs)
	cfg := configs.Get()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger.WithValues("component", metrics.ComponentCLI)

	shutdownTracing, err := tracing.Setup(cmd.Context(), cfg.Tracing, tracing.ServiceCLI, version.Version)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer.CloserFunc(func() error {
		return shutdownTracing(context.Background())
	}))

	metrics.SetupMetrics(version.Version, version.GitSHA, metrics.ComponentCLI)
	addr := a.opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		a.serveMetrics(addr)
	}

	ctx := logging.IntoContext(cmd.Context(), a.logger)
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
	cmd.SetContext(ctx)
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	a.health.Mount(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(err, "Metrics server failed")
		}
	}()
	a.closers = append(a.closers, closer.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
}

// teardown closes in reverse order of setup
func (a *app) teardown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		closer.CloseQuietly(a.closers[i], a.logger, "cli resource")
	}
	a.closers = nil
}

func (a *app) binding() contracts.Binding {
	return contracts.Binding{
		Provider: a.opts.provider,
		Region:   a.opts.region,
		Large:    a.opts.large,
	}
}

// manager resolves the manager for the flags against the current configuration
func (a *app) manager(ctx context.Context) (contracts.Manager, error) {
	return a.registry.Get(ctx, a.configs.Get(), a.binding(), a.logger)
}

// withTimeout bounds a single command by --timeout
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.timeout)
}
