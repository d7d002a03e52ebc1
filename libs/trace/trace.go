package trace

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

// Options configure the process-wide tracer provider.
type Options struct {
	ServiceName string
	Env         string
	// Endpoint is an OTLP/HTTP collector, either host:port or a full URL.
	// Empty keeps spans in process for the request middleware and tests.
	Endpoint string
	Insecure bool
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

type ShutdownFunc func(context.Context) error

// Setup installs the W3C propagators and a tracer provider built from opts.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewSchemaless(
		semconv.ServiceName(opts.ServiceName),
		semconv.DeploymentEnvironment(opts.Env),
	)
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(opts.SampleRatio)),
	}

	if opts.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(opts)...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func exporterOptions(opts Options) []otlptracehttp.Option {
	var out []otlptracehttp.Option
	if strings.Contains(opts.Endpoint, "://") {
		out = append(out, otlptracehttp.WithEndpointURL(opts.Endpoint))
	} else {
		out = append(out, otlptracehttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		out = append(out, otlptracehttp.WithInsecure())
	}
	return out
}

func newSampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}
