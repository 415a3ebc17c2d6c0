// Package observability wires OpenTelemetry tracing and RED metrics for
// the HTTP surface. Disabled by default; a no-op provider keeps the
// call sites unconditional.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the provider.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
	Insecure     bool
}

// Provider owns the trace and metric pipelines plus the RED instruments.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// New builds a Provider. When disabled it is inert and every method is a
// no-op.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, cfg, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, cfg, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)
	if err := p.initInstruments(meter, cfg.ServiceName); err != nil {
		return nil, err
	}

	logger.Info("observability initialized",
		"endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments(meter metric.Meter, prefix string) error {
	var err error
	p.requestCounter, err = meter.Int64Counter(prefix+".requests.total",
		metric.WithDescription("Requests served"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter(prefix+".errors.total",
		metric.WithDescription("Requests answered with a 5xx"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = meter.Float64Histogram(prefix+".request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	return err
}

// Shutdown flushes and stops the pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// statusRecorder captures the response code for the RED instruments.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware traces each request and records the RED metrics.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	if !p.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := p.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.method", r.Method),
			attribute.String("http.status", strconv.Itoa(rec.status)),
		)
		p.requestCounter.Add(ctx, 1, attrs)
		p.durationHist.Record(ctx, elapsed, attrs)
		if rec.status >= http.StatusInternalServerError {
			p.errorCounter.Add(ctx, 1, attrs)
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
	})
}
