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

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(attrs))
	for _, kv := range attrs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "chatrelay", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan_NoProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, span)
	assert.Equal(t, "", TraceID(ctx))
}

func TestTraceSocketEvent_Attributes(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceSocketEvent(context.Background(), "join-room", "conn-1", "alice")
	assert.NotEmpty(t, TraceID(ctx))
	AddSpanAttributes(ctx, RoomIDKey.String("chat:42"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "socket.join-room", spans[0].Name())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "conn-1", attrs[ConnectionIDKey])
	assert.Equal(t, "alice", attrs[IdentityIDKey])
	assert.Equal(t, "chat:42", attrs[RoomIDKey])
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceCallOperation(context.Background(), "end", "c1")
	RecordError(ctx, errors.New("call has ended"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "call has ended", spans[0].Status().Description)
}

func TestTraceStoreOperation_AndDuration(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceStoreOperation(context.Background(), "sismember", "chat_members")
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond), "sismember")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "sismember", attrs["db.operation"])
	assert.NotEmpty(t, attrs[DurationKey])
}

func TestTraceHTTPRequest(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/internal/events")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "http.POST", recorder.Ended()[0].Name())
}
