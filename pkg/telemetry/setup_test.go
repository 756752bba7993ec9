package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, "rootfs-test", &buf, zap.NewNop())

	_, span := otel.Tracer("test").Start(ctx, "rootfs.build")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "rootfs.build") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracerWithoutWriter(t *testing.T) {
	shutdown := InitTracer(context.Background(), "rootfs-test", nil, zap.NewNop())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown returned error: %v", err)
	}
}
