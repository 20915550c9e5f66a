package observability

import (
	"context"
	"testing"
	"time"

	"reading-assessment/internal/common/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestObservability_RecordsJobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewWithRegisterer("reading-assessment-test", reg)
	defer o.Shutdown()

	ctx := context.Background()
	o.RecordJobProcessed(ctx, "SUCCESS")
	o.RecordJobDuration(ctx, 1500*time.Millisecond, "SUCCESS")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
		assert.NotContains(t, f.GetName(), ".", "metric names use underscores")
	}
	assert.True(t, names["jobs_processed_total"], "got %v", names)
	assert.True(t, names["jobs_duration_milliseconds"], "got %v", names)
}

func TestObservability_WithoutExporterSpansAreNoop(t *testing.T) {
	o := NewWithRegisterer("reading-assessment-test", prometheus.NewRegistry())
	defer o.Shutdown()

	assert.False(t, o.Tracing())
	_, span := o.StartSpan(context.Background(), "transcribe")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestObservability_SpansReachProcessor(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	o := NewWithRegisterer("reading-assessment-test", prometheus.NewRegistry(), WithSpanProcessor(rec))
	defer o.Shutdown()
	require.True(t, o.Tracing())

	ctx, parent := o.StartSpan(context.Background(), "analyze-reading", attribute.String("model", "base"))
	_, child := o.StartSpan(ctx, "transcribe", attribute.Int("audio_bytes", 16))
	child.End()
	parent.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "transcribe", ended[0].Name())
	assert.Equal(t, "analyze-reading", ended[1].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Contains(t, ended[0].Attributes(), attribute.Int("audio_bytes", 16))
	assert.Contains(t, ended[1].Attributes(), attribute.String("model", "base"))
}

func TestNewTraceExporter(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		wantNil bool
		wantErr bool
	}{
		{name: "empty means off", kind: "", wantNil: true},
		{name: "none", kind: ExporterNone, wantNil: true},
		{name: "log", kind: ExporterLog},
		{name: "unknown", kind: "jaeger", wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := NewTraceExporter(tt.kind, logger.NewTestLogger(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantNil, exp == nil)
		})
	}
}

func TestObservability_LogExporterWritesSpans(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	exp, err := NewTraceExporter(ExporterLog, logger.NewZapAdapter(zap.New(core)))
	require.NoError(t, err)

	o := NewWithRegisterer("reading-assessment-test", prometheus.NewRegistry(), WithSpanExporter(exp))
	ctx, parent := o.StartSpan(context.Background(), "analyze-reading")
	_, span := o.StartSpan(ctx, "align", attribute.Int("spoken_words", 4))
	span.SetStatus(codes.Error, "alignment failed")
	span.End()
	parent.End()
	// Shutdown flushes the batch processor.
	o.Shutdown()

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 2)

	align := entries[0].ContextMap()
	assert.Equal(t, "align", align["span"])
	assert.Equal(t, int64(4), align["attr.spoken_words"])
	assert.Equal(t, "Error", align["status"])
	assert.Equal(t, "alignment failed", align["statusMessage"])
	assert.Equal(t, entries[1].ContextMap()["spanId"], align["parentId"])
	assert.Equal(t, entries[1].ContextMap()["traceId"], align["traceId"])
	assert.Equal(t, "tracing", align["component"])
}

func TestObservability_NilReceiverIsSafe(t *testing.T) {
	var o *Observability

	ctx, span := o.StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.End()

	assert.False(t, o.Tracing())
	o.RecordJobProcessed(ctx, "FAILURE")
	o.RecordJobDuration(ctx, time.Second, "FAILURE")
	o.Shutdown()
}
