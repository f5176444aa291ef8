package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/recoverybench/internal/config"
)

func TestInit_RequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "dev")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.Default().Telemetry, "v1")
	if c.ServiceName != "recoverybench" || c.ServiceVersion != "v1" || c.OTLPEndpoint != "http://127.0.0.1:4318" {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestNewTracerProviderWithExporter_EmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()

	tp, shutdown, err := NewTracerProviderWithExporter(exp, Config{ServiceName: "testsvc", ServiceVersion: "v0"})
	if err != nil {
		t.Fatalf("new tracer provider: %v", err)
	}

	_, sp := tp.Tracer("test").Start(context.Background(), "pipeline.run")
	sp.End()

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if spans[0].Name != "pipeline.run" {
		t.Fatalf("unexpected span name: %q", spans[0].Name)
	}

	foundName := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") {
			foundName = kv.Value.AsString() == "testsvc"
		}
	}
	if !foundName {
		t.Fatalf("expected resource to include service.name=testsvc")
	}
}
