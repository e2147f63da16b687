package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span names. A deploy.run span parents one stage.execute span per stage,
// which parents one stage.attempt span per engine invocation.
const (
	SpanDeploy   = "deploy.run"
	SpanStage    = "stage.execute"
	SpanAttempt  = "stage.attempt"
	SpanSnapshot = "snapshot.capture"
)

// Attribute keys set on rollout spans.
var (
	AttrRunID         = attribute.Key("run.id")
	AttrPlanID        = attribute.Key("plan.id")
	AttrStageID       = attribute.Key("stage.id")
	AttrStageStatus   = attribute.Key("stage.status")
	AttrAttempt       = attribute.Key("stage.attempt")
	AttrHostCount     = attribute.Key("hosts.count")
	AttrFailedHosts   = attribute.Key("hosts.failed")
	AttrSnapshotLabel = attribute.Key("snapshot.label")
	AttrDriftItems    = attribute.Key("drift.items")
	AttrErrorKind     = attribute.Key("error.kind")
	AttrHardwareTier  = attribute.Key("hardware.tier")
)

// Tracer starts deployment spans. When tracing is disabled it hands out
// no-op spans and Shutdown does nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer installs a global tracer provider for cfg.Exporter: "otlp"
// (gRPC), "stdout" (pretty JSON on stderr) or "none" (sampled, never
// exported).
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("rollout")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		// stdout carries command output.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartDeploySpan starts the root span of a deployment run.
func (t *Tracer) StartDeploySpan(ctx context.Context, planID, runID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanDeploy, AttrPlanID.String(planID), AttrRunID.String(runID))
}

// StartStageSpan starts the span of one stage.
func (t *Tracer) StartStageSpan(ctx context.Context, planID, stageID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanStage, AttrPlanID.String(planID), AttrStageID.String(stageID))
}

// StartAttemptSpan starts the span of one engine invocation.
func (t *Tracer) StartAttemptSpan(ctx context.Context, stageID string, attempt, hosts int) (context.Context, trace.Span) {
	return t.start(ctx, SpanAttempt,
		AttrStageID.String(stageID),
		AttrAttempt.Int(attempt),
		AttrHostCount.Int(hosts),
	)
}

// StartSnapshotSpan starts the span of a snapshot capture.
func (t *Tracer) StartSnapshotSpan(ctx context.Context, label string, hosts int) (context.Context, trace.Span) {
	return t.start(ctx, SpanSnapshot, AttrSnapshotLabel.String(label), AttrHostCount.Int(hosts))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
