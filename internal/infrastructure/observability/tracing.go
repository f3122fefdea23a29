package observability

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"tutor-server/services/voice-api/internal/config"
)

const tracerName = "tutor-server/voice-api"

// GetTracer returns the tracer for the voice service.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Setup initialises the OpenTelemetry trace exporter. It returns a shutdown
// function that must be invoked on exit.
func Setup(ctx context.Context, cfg *config.Config, log zerolog.Logger) (func(context.Context) error, error) {
	if !cfg.EnableTracing {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		endpoint := cfg.OTLPEndpoint
		insecure := true
		if strings.HasPrefix(endpoint, "http://") {
			endpoint = strings.TrimPrefix(endpoint, "http://")
		} else if strings.HasPrefix(endpoint, "https://") {
			endpoint = strings.TrimPrefix(endpoint, "https://")
			insecure = false
		}

		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
	} else {
		tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	otel.SetTracerProvider(tracerProvider)
	log.Info().Str("otlp_endpoint", cfg.OTLPEndpoint).Msg("tracing initialised")

	return tracerProvider.Shutdown, nil
}

// JobAttributes returns common attributes for job spans.
func JobAttributes(jobID, sessionID, jobType string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", jobID),
		attribute.String("job.session_id", sessionID),
		attribute.String("job.type", jobType),
		attribute.Int("job.attempt", attempt),
	}
}

// StartJobSpan starts a new span for job execution.
func StartJobSpan(ctx context.Context, jobID, sessionID, jobType string, attempt int) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "job.execute."+jobType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(JobAttributes(jobID, sessionID, jobType, attempt)...),
	)
}
