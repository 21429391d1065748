package otelx

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(t.Context(), Options{Enabled: false, Sample: 99})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("provider = %T, want SDK provider", otel.GetTracerProvider())
	}

	_, span := otel.Tracer("test").Start(t.Context(), "s")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("disabled tracing should still mint valid span ids")
	}
}

func TestInit_SetsPropagator(t *testing.T) {
	if _, err := Init(t.Context(), Options{}); err != nil {
		t.Fatal(err)
	}
	fields := strings.Join(otel.GetTextMapPropagator().Fields(), ",")
	for _, f := range []string{"traceparent", "baggage"} {
		if !strings.Contains(fields, f) {
			t.Errorf("propagator missing %s (fields %s)", f, fields)
		}
	}
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := Init(t.Context(), Options{Enabled: true}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestInit_EnabledReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1,
		Service:   "csloader",
		Component: "test",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{-1, "AlwaysOffSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
		{1, "AlwaysOnSampler"},
		{7, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", tt.ratio, got, tt.want)
		}
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName(Options{Service: "csloader", Component: "injector"}); got != "csloader.injector" {
		t.Fatalf("got %q", got)
	}
	if got := serviceName(Options{Service: "csloader"}); got != "csloader" {
		t.Fatalf("got %q", got)
	}
}
