package trace

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewSamplerClampsRatio(t *testing.T) {
	cases := []struct {
		ratio float64
		root  string
	}{
		{1.5, "root:AlwaysOnSampler"},
		{1, "root:AlwaysOnSampler"},
		{0, "root:AlwaysOffSampler"},
		{-1, "root:AlwaysOffSampler"},
		{0.25, "root:TraceIDRatioBased{0.25}"},
	}
	for _, tc := range cases {
		if desc := newSampler(tc.ratio).Description(); !strings.Contains(desc, tc.root) {
			t.Fatalf("ratio %v: expected %s in %q", tc.ratio, tc.root, desc)
		}
	}
}

func TestSetupWithoutEndpointSamplesByRatio(t *testing.T) {
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	for _, tc := range []struct {
		ratio   float64
		sampled bool
	}{{1, true}, {0, false}} {
		shutdown, err := Setup(context.Background(), Options{ServiceName: "rewards-ledger", Env: "test", SampleRatio: tc.ratio})
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		_, span := otel.Tracer("test").Start(context.Background(), "op")
		span.End()
		if got := span.SpanContext().IsSampled(); got != tc.sampled {
			t.Fatalf("ratio %v: expected sampled=%v, got %v", tc.ratio, tc.sampled, got)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Fatalf("expected W3C propagator, got %v", fields)
	}
}
