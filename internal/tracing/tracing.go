// Package tracing wires OpenTelemetry for the crow binaries and holds the
// span helpers shared by the submit path and the executor.
package tracing

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/crowsandbox/crow/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const defaultEndpoint = "localhost:4317"

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string

	OTLPEndpoint string
	OTLPInsecure bool

	// SampleRatio outside (0, 1] samples everything.
	SampleRatio float64
}

// FromConfig derives the tracing setup for one binary. OTEL_SERVICE_NAME
// overrides service.
func FromConfig(cfg *config.Config, service string) Config {
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		service = v
	}
	return Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  service,
		Version:      cfg.Version,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.TraceSampleRatio,
	}
}

// Setup installs the global tracer provider and propagator. Exporter failures
// leave tracing disabled rather than failing startup. The returned func
// flushes pending spans.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		logger.Warn("otel exporter init failed; tracing disabled", "err", err)
		return noop, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(cfg, logger)),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", endpointHost(cfg.OTLPEndpoint), "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(cfg Config, logger *slog.Logger) *resource.Resource {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "crow"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		logger.Warn("otel resource init failed; using default", "err", err)
		return resource.Default()
	}
	return res
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// endpointHost reduces an OTLP endpoint, often configured as a URL, to the
// host:port the gRPC exporter expects.
func endpointHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultEndpoint
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartJobSpan starts a span for one job run, tagged with the job identity.
func StartJobSpan(ctx context.Context, tracer trace.Tracer, name string, jobID string, artifactHash string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("crow.job.id", jobID),
			attribute.String("crow.artifact.sha256", artifactHash),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
