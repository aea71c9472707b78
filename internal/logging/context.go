package logging

import (
	"context"
	"log/slog"

	"accession/internal/services"
)

// Attribute keys shared by every component.
const (
	FieldComponent     = "component"
	FieldItemID        = "item_id" // batch or job ID
	FieldStage         = "stage"
	FieldDaemon        = "daemon"
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to do next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields converts the work scope on ctx into log attributes.
func ContextFields(ctx context.Context) []slog.Attr {
	scope := services.ScopeFrom(ctx)
	var fields []slog.Attr
	for _, kv := range [...][2]string{
		{FieldItemID, scope.ItemID},
		{FieldStage, scope.Stage},
		{FieldDaemon, scope.Daemon},
		{FieldCorrelationID, scope.RequestID},
	} {
		if kv[1] != "" {
			fields = append(fields, slog.String(kv[0], kv[1]))
		}
	}
	return fields
}

// WithContext binds the scope fields of ctx to logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return logger.With(args...)
}
