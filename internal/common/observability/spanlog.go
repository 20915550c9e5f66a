package observability

import (
	"context"

	"reading-assessment/internal/common/logger"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes each finished span as one structured log entry.
type LogExporter struct {
	logger logger.Logger
}

func NewLogExporter(log logger.Logger) *LogExporter {
	return &LogExporter{logger: log.WithFields(map[string]interface{}{"component": "tracing"})}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := map[string]interface{}{
			"span":       s.Name(),
			"traceId":    s.SpanContext().TraceID().String(),
			"spanId":     s.SpanContext().SpanID().String(),
			"durationMs": s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status":     s.Status().Code.String(),
		}
		if s.Parent().IsValid() {
			fields["parentId"] = s.Parent().SpanID().String()
		}
		if desc := s.Status().Description; desc != "" {
			fields["statusMessage"] = desc
		}
		for _, kv := range s.Attributes() {
			fields["attr."+string(kv.Key)] = kv.Value.AsInterface()
		}
		e.logger.Info("span finished", fields)
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }
