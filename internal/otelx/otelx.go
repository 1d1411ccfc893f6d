// Package otelx installs the global OpenTelemetry tracer provider and
// propagators, and hands out tracers for the service's components.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationPrefix = "linnemanlabs-ratelimit/"

// DefaultDialTimeout bounds exporter setup. The exporter talks to a local
// collector so this only trips when the collector is missing.
const DefaultDialTimeout = 3 * time.Second

type Options struct {
	Enabled  bool
	Endpoint string // host:port of the OTLP gRPC collector
	Insecure bool
	Sample   float64 // root span ratio, 0..1; sampled parents are always followed

	Service   string
	Component string
	Version   string
	// Attributes are added to the resource, e.g. deployment environment.
	Attributes map[string]string

	DialTimeout time.Duration
}

// Tracer returns the tracer for a component ("decision", "policy", ...).
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Sampler builds the root sampler for a ratio, clamping out-of-range values.
func Sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio <= 0:
		root = sdktrace.NeverSample()
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init installs the tracer provider. Disabled still installs an SDK provider
// that never records, so trace IDs keep flowing to callers and logs.
// The returned shutdown flushes pending spans.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())

	if !o.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	}
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, expOpts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(Sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(buildResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func buildResource(ctx context.Context, o Options) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(o.Service),
		semconv.ServiceVersion(o.Version),
	}
	if o.Component != "" {
		attrs = append(attrs, attribute.String("service.component", o.Component))
	}
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	// detector errors leave a partial resource which is still worth sending
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if res == nil {
		res = resource.NewSchemaless(attrs...)
	}
	return res
}
