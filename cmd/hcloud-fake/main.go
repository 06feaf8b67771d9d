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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
	"github.com/projectbeskar/vmpool/internal/obs/metrics"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudfake"
	"github.com/projectbeskar/vmpool/internal/version"
)

func main() {
	var (
		addr      string
		fakeCfg   hcloudfake.Config
		logConfig = config.DefaultConfig().Log
	)

	rootCmd := &cobra.Command{
		Use:          "hcloud-fake",
		Short:        "Fake Hetzner Cloud API server",
		Long:         "Serves the subset of the Hetzner Cloud API used by vmpool from memory, for local runs and tests",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logConfig)
			if err != nil {
				return err
			}
			metrics.SetupMetrics(version.Version, version.GitSHA, metrics.ComponentFake)

			fake := hcloudfake.NewServer(hcloudfake.WithConfig(fakeCfg), hcloudfake.WithLogger(logger))
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
			mux.Handle("/", fake)

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("Starting fake hcloud server", "version", version.String(), "addr", addr,
				"endpoint", fmt.Sprintf("http://%s/v1", addr), "deferNetwork", fakeCfg.DeferNetwork)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("Fake hcloud server stopped")
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8089", "Listen address")
	flags.StringVar(&fakeCfg.Token, "token", "", "Require this bearer token (empty accepts any)")
	flags.BoolVar(&fakeCfg.DeferNetwork, "defer-network", false, "Create servers without a private network")
	flags.IntVar(&fakeCfg.RateLimitLimit, "ratelimit-limit", 3600, "Value of the RateLimit-Limit header")
	flags.DurationVar(&fakeCfg.Latency, "latency", 0, "Delay added to every request")
	flags.StringVar(&logConfig.Level, "log-level", logConfig.Level, "Log level (debug|info|warn|error)")
	flags.StringVar(&logConfig.Format, "log-format", logConfig.Format, "Log format (json|console)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
