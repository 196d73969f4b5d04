package authority

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"issuance/pkg/logger"
)

// ErrorReporter is the operator's error-tracking sink.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

// LogReporter reports to the structured log and the active span.
type LogReporter struct{}

// Report implements ErrorReporter.
func (LogReporter) Report(ctx context.Context, err error, fields map[string]any) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kv := make([]any, 0, len(fields)*2+2)
	kv = append(kv, "error", err)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	logger.Error(ctx, "authority failure", kv...)
}
