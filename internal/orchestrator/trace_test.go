package orchestrator

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/recoverybench/internal/telemetry"
)

func TestPipelineEmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := telemetry.NewTracerProviderWithExporter(exp, telemetry.Config{ServiceName: "testsvc", ServiceVersion: "v0"})
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)
	defer func() {
		_ = shutdown(context.Background())
	}()

	folder := taskFolder(t, map[string]string{"hard": "Hard task"})
	prod := &scriptedProducer{script: func(int, string) result { return failed }}
	p := params(t, folder)
	p.MaxIterations = 1

	if _, err := newPipeline(prod, nil).Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	counts := map[string]int{}
	var root string
	for _, s := range exp.GetSpans() {
		counts[s.Name]++
		if s.Name == "pipeline.run" {
			root = s.SpanContext.TraceID().String()
		}
	}
	if counts["pipeline.run"] != 1 || counts["pipeline.round"] != 2 || counts["round.unit"] != 2 || counts["collector.merge"] != 1 {
		t.Fatalf("unexpected spans %v", counts)
	}
	for _, s := range exp.GetSpans() {
		if s.SpanContext.TraceID().String() != root {
			t.Fatalf("span %s is not part of the pipeline trace", s.Name)
		}
	}
}
