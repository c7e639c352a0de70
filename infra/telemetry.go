package infra

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/formanova/studio-core/config"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/formanova/studio-core"

// Telemetry holds the tracer and the counters the delivery and upload paths record.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	DeliveryOutcomes metric.Int64Counter
	UploadFailures   metric.Int64Counter
	ArchiveBuilds    metric.Int64Counter

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

func InitTelemetry(cfg *config.EnvConfig) *Telemetry {
	if cfg.Grafana.OTLPEndpoint == "" {
		log.Println("OTLP endpoint not configured, telemetry disabled")
		return NewNoopTelemetry()
	}

	ctx := context.Background()
	res := newResource(cfg)

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Grafana.OTLPEndpoint))
	if err != nil {
		log.Printf("Failed to create OTLP trace exporter: %v, telemetry disabled", err)
		return NewNoopTelemetry()
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Grafana.OTLPEndpoint))
	if err != nil {
		log.Printf("Failed to create OTLP metric exporter: %v, telemetry disabled", err)
		_ = tracerProvider.Shutdown(ctx)
		return NewNoopTelemetry()
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		log.Printf("Failed to start runtime instrumentation: %v", err)
	}

	t := newTelemetry(tracerProvider.Tracer(instrumentationName), meterProvider.Meter(instrumentationName))
	t.tracerProvider = tracerProvider
	t.meterProvider = meterProvider
	return t
}

// NewNoopTelemetry records nothing.
func NewNoopTelemetry() *Telemetry {
	return newTelemetry(
		tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metricnoop.NewMeterProvider().Meter(instrumentationName),
	)
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) *Telemetry {
	t := &Telemetry{Tracer: tracer, Meter: meter}

	// Instrument creation only fails on invalid names; fall back to noop
	// instruments so callers never nil-check.
	noop := metricnoop.NewMeterProvider().Meter(instrumentationName)
	var err error
	if t.DeliveryOutcomes, err = meter.Int64Counter("studio.delivery.outcomes",
		metric.WithDescription("Delivery send attempts by outcome")); err != nil {
		t.DeliveryOutcomes, _ = noop.Int64Counter("studio.delivery.outcomes")
	}
	if t.UploadFailures, err = meter.Int64Counter("studio.blob.upload_failures",
		metric.WithDescription("Blob uploads rejected by the storage service")); err != nil {
		t.UploadFailures, _ = noop.Int64Counter("studio.blob.upload_failures")
	}
	if t.ArchiveBuilds, err = meter.Int64Counter("studio.archive.builds",
		metric.WithDescription("Delivery archives built")); err != nil {
		t.ArchiveBuilds, _ = noop.Int64Counter("studio.archive.builds")
	}
	return t
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newResource(cfg *config.EnvConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Grafana.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment.Mode),
		semconv.ServiceNamespace(cfg.Environment.Group),
	)
}
