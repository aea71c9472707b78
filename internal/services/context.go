package services

import "context"

type scopeKey struct{}

// Scope identifies the unit of work a context carries. Workers attach one per
// claim so every log line and stage call can be traced back to it.
type Scope struct {
	ItemID    string
	Stage     string
	Daemon    string
	RequestID string
}

// WithScope merges the non-empty fields of s over any scope already on ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	current := ScopeFrom(ctx)
	merged := current
	merged.ItemID = pick(s.ItemID, merged.ItemID)
	merged.Stage = pick(s.Stage, merged.Stage)
	merged.Daemon = pick(s.Daemon, merged.Daemon)
	merged.RequestID = pick(s.RequestID, merged.RequestID)
	if merged == current {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, merged)
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// ScopeFrom returns the scope on ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
