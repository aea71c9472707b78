package queue

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		kind Kind
		from State
		to   State
		want bool
	}{
		{KindJob, StatePending, StateEstimating, true},
		{KindJob, StateEstimating, StateProcessing, true},
		{KindJob, StateNotify, StateCompleted, true},
		{KindJob, StatePending, StateProcessing, false},
		{KindJob, StateProcessing, StateEstimating, false},
		{KindJob, StateProvisioning, StateFailed, true},
		{KindJob, StateCompleted, StateFailed, false},
		{KindJob, StateFailed, StatePending, false},
		{KindJob, StatePending, StateHeld, true},
		{KindJob, StateEstimating, StateHeld, true},
		{KindJob, StateProcessing, StateHeld, false},
		{KindJob, StateHeld, StatePending, true},
		{KindJob, StateHeld, StateProcessing, false},
		{KindBatch, StateSubmitted, StateProcessing, true},
		{KindBatch, StateProcessing, StateReporting, true},
		{KindBatch, StateReporting, StateCompleted, true},
		{KindBatch, StateSubmitted, StateHeld, false},
		{KindBatch, StateReporting, StateFailed, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.kind, tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.kind, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStateRejectsOtherKind(t *testing.T) {
	if _, err := ParseState(KindBatch, "estimating"); err == nil {
		t.Fatal("expected estimating to be rejected for batches")
	}
	state, err := ParseState(KindJob, " Estimating ")
	if err != nil || state != StateEstimating {
		t.Fatalf("ParseState = %q, %v", state, err)
	}
}

func TestSubmissionValidate(t *testing.T) {
	if err := (Submission{Items: []SubmissionItem{{Name: "a"}}}).Validate(); err == nil {
		t.Fatal("expected missing profile to fail")
	}
	if err := (Submission{Profile: "p"}).Validate(); err == nil {
		t.Fatal("expected empty items to fail")
	}
	if err := (Submission{Profile: "p", Items: []SubmissionItem{{Size: -1, Name: "x"}}}).Validate(); err == nil {
		t.Fatal("expected negative size to fail")
	}
	if err := (Submission{Profile: "p", Items: []SubmissionItem{{Source: "https://example.org/a"}}}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewJobInheritsBatchPriority(t *testing.T) {
	urgent := 1
	batch := &Batch{
		ID:       "b1",
		Priority: 7,
		Payload: Submission{
			Profile:    "tiff",
			Collection: "Maps",
			Items: []SubmissionItem{
				{Name: "first", LocalID: "L-1"},
				{Source: "https://example.org/two.tif", Priority: &urgent},
			},
		},
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	first := NewJob(batch, 0, now)
	second := NewJob(batch, 1, now)
	if first.ID != "b1-001" || second.ID != "b1-002" {
		t.Fatalf("unexpected ids %s %s", first.ID, second.ID)
	}
	if first.Priority != 7 || second.Priority != 1 {
		t.Fatalf("unexpected priorities %d %d", first.Priority, second.Priority)
	}
	if second.Config.Name != "https://example.org/two.tif" {
		t.Fatalf("expected source to name unnamed item, got %q", second.Config.Name)
	}
	if len(first.Identifiers.Local) != 1 || first.Identifiers.Local[0] != "L-1" {
		t.Fatalf("expected local id to seed identifiers, got %v", first.Identifiers.Local)
	}
}

func TestAppendHistoryKeepsNewest(t *testing.T) {
	var history []StateChange
	for i := 0; i < historyLimit+5; i++ {
		history = appendHistory(history, StateChange{State: StatePending, At: time.Unix(int64(i), 0)})
	}
	if len(history) != historyLimit {
		t.Fatalf("history length = %d", len(history))
	}
	if history[len(history)-1].At.Unix() != int64(historyLimit+4) {
		t.Fatal("expected newest entry last")
	}
}

func TestNormalizeCollection(t *testing.T) {
	cases := map[string]string{
		"Maps":           "maps",
		"  Rare Books  ": "rare-books",
		"a/b\\c":         "a-b-c",
		"STRASSE":        "strasse",
		"Cafe\u0301":     "caf\u00e9",
		"..":             "_..",
		"":               "",
	}
	for in, want := range cases {
		if got := NormalizeCollection(in); got != want {
			t.Errorf("NormalizeCollection(%q) = %q, want %q", in, got, want)
		}
	}
}
