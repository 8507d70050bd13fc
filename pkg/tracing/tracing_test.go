package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "classmesh", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSession_Attributes(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceSession(context.Background(), "negotiate", "room-1", "host")
	AddSpanAttributes(ctx, SessionStateKey.String("connected"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.negotiate", spans[0].Name())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "room-1", attrs[RoomIDKey])
	assert.Equal(t, "host", attrs[PeerIDKey])
	assert.Equal(t, "connected", attrs[SessionStateKey])
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceSignaling(context.Background(), "update", "classrooms/r1")
	RecordError(ctx, errors.New("write failed"))
	RecordError(ctx, nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "write failed", spans[0].Status().Description)
	assert.Len(t, spans[0].Events(), 1)
}

func TestMeasureDuration(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "op")
	MeasureDuration(ctx, time.Now().Add(-20*time.Millisecond), "op")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	assert.Equal(t, "op", attrs["operation"])
	assert.NotEmpty(t, attrs[DurationKey])
}
