package coord_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"accession/internal/coord"
)

func TestPathHelpers(t *testing.T) {
	if got := coord.Join("accession", "jobs", "a-001"); got != "/accession/jobs/a-001" {
		t.Fatalf("unexpected join: %q", got)
	}
	if got := coord.Parent("/accession/jobs/a-001"); got != "/accession/jobs" {
		t.Fatalf("unexpected parent: %q", got)
	}
	if got := coord.Base("/accession/jobs/a-001"); got != "a-001" {
		t.Fatalf("unexpected base: %q", got)
	}
	want := []string{"/accession", "/accession/locks", "/accession/locks/jobs"}
	if got := coord.Ancestors("/accession/locks/jobs/a-001"); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected ancestors: %v", got)
	}
	if got := coord.Ancestors("/accession"); len(got) != 0 {
		t.Fatalf("expected no ancestors for top-level node, got %v", got)
	}
}

func TestValidatePath(t *testing.T) {
	for _, p := range []string{"", "/", "relative", "/a/../b", "/a/"} {
		if err := coord.ValidatePath(p); !errors.Is(err, coord.ErrInvalidPath) {
			t.Fatalf("expected %q to be invalid, got %v", p, err)
		}
	}
	if err := coord.ValidatePath("/a/b"); err != nil {
		t.Fatalf("expected valid path, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("read job: %w", coord.ErrConnectionLoss)
	if !coord.IsTransient(wrapped) || coord.IsSessionLost(wrapped) {
		t.Fatalf("connection loss misclassified: %v", wrapped)
	}
	expired := fmt.Errorf("lock: %w", coord.ErrSessionExpired)
	if coord.IsTransient(expired) || !coord.IsSessionLost(expired) {
		t.Fatalf("session expiry misclassified: %v", expired)
	}
	if coord.IsTransient(coord.ErrNodeExists) || coord.IsSessionLost(coord.ErrNoNode) {
		t.Fatal("logical errors must not be classified as infrastructure failures")
	}
}
