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

package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/obs/logging"
)

const (
	// ServiceCLI is the service name reported by the vmpool CLI
	ServiceCLI = "vmpool"

	// ExporterOTLP ships spans over OTLP/gRPC
	ExporterOTLP = "otlp"
	// ExporterStdout prints spans to stderr
	ExporterStdout = "stdout"

	instrumentationName = "github.com/projectbeskar/vmpool"
)

// Setup initializes OpenTelemetry tracing and returns a shutdown function
func Setup(ctx context.Context, cfg config.TracingConfig, serviceName, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			attribute.String("service.namespace", "vmpool"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}

// newExporter builds the span exporter named by the configuration.
// The stdout exporter writes to stderr so command output stays parseable.
func newExporter(ctx context.Context, cfg config.TracingConfig) (trace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil
	case "", ExporterOTLP:
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, otrace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// Common attribute keys
var (
	AttrVMID      = attribute.Key("vm.id")
	AttrVMName    = attribute.Key("vm.name")
	AttrProvider  = attribute.Key("provider.name")
	AttrRegion    = attribute.Key("provider.region")
	AttrTier      = attribute.Key("pool.tier")
	AttrOperation = attribute.Key("operation")
	AttrPage      = attribute.Key("page")
)

// StartOperationSpan starts a span for a manager lifecycle operation
func StartOperationSpan(ctx context.Context, provider, region, tier, operation string, attrs ...attribute.KeyValue) (context.Context, otrace.Span) {
	base := []attribute.KeyValue{
		AttrProvider.String(provider),
		AttrRegion.String(region),
		AttrTier.String(tier),
		AttrOperation.String(operation),
	}
	return StartSpan(ctx, fmt.Sprintf("vmpool.%s.%s", provider, operation),
		otrace.WithAttributes(append(base, attrs...)...),
	)
}

// EndSpan records err on the span, if any, and ends it
func EndSpan(span otrace.Span, err error) {
	if err != nil {
		err = logging.RedactError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
