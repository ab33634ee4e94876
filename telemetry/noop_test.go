package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantslab/clmmlab/telemetry"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := telemetry.NewNoopMetrics()

	metrics.IncCounter("episodes.completed", 1.0, "exec_mode", "mock")
	metrics.RecordTimer("harness.duration", 100*time.Millisecond, "exec_mode", "mock")
	metrics.RecordGauge("cache.fresh_pct", 14.3, "backend", "file")
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "episode.run")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.AddEvent("validated", "pool", "0xABC")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("boom"))
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}
