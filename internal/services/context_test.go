package services_test

import (
	"context"
	"testing"

	"accession/internal/services"
)

func TestWithScopeMergesFields(t *testing.T) {
	ctx := services.WithScope(context.Background(), services.Scope{Daemon: "estimate", Stage: "estimate"})
	ctx = services.WithScope(ctx, services.Scope{ItemID: "cu6l2fqkgt1k0p3s7d0g-002", RequestID: "req-123"})

	got := services.ScopeFrom(ctx)
	want := services.Scope{ItemID: "cu6l2fqkgt1k0p3s7d0g-002", Stage: "estimate", Daemon: "estimate", RequestID: "req-123"}
	if got != want {
		t.Fatalf("unexpected scope: %+v", got)
	}
}

func TestWithScopeIgnoresBlankFields(t *testing.T) {
	base := services.WithScope(context.Background(), services.Scope{Stage: "report"})
	if ctx := services.WithScope(base, services.Scope{Stage: ""}); ctx != base {
		t.Fatal("expected blank scope to return the same context")
	}
	if got := services.ScopeFrom(base).Stage; got != "report" {
		t.Fatalf("stage = %q", got)
	}
	if got := services.ScopeFrom(context.Background()); got != (services.Scope{}) {
		t.Fatalf("expected zero scope, got %+v", got)
	}
}
