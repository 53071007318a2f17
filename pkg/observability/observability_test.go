package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := GetTracer()
	SetTracer(tp.Tracer("test"))
	t.Cleanup(func() { SetTracer(prev) })
	return rec
}

func TestTaskTracerRecordsSuccess(t *testing.T) {
	rec := withRecorder(t)

	err := NewTaskTracer("sync").Trace(context.Background(), "google_calendar", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "task.sync", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "google_calendar", attrs["stream.name"])
	assert.Equal(t, "sync", attrs["task.kind"])
}

func TestTaskTracerRecordsFailure(t *testing.T) {
	rec := withRecorder(t)
	boom := errors.New("boom")

	err := NewTaskTracer("process").Trace(context.Background(), "ios_mic", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestSpanAttributeTypes(t *testing.T) {
	rec := withRecorder(t)

	_, span := NewSpan(context.Background(), "op")
	span.SetAttribute("s", "x")
	span.SetAttribute("i", 3)
	span.SetAttribute("b", true)
	span.SetAttribute("other", []int{1})
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Len(t, rec.Ended()[0].Attributes(), 4)
}
