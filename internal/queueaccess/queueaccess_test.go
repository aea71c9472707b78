package queueaccess_test

import (
	"context"
	"errors"
	"testing"

	"accession/internal/cleanup"
	"accession/internal/ipc"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/queueaccess"
	"accession/internal/testsupport"
)

func TestOpenWithFallbackUsesStoreWhenDaemonDown(t *testing.T) {
	env := testsupport.NewEnv(t)
	closed := false
	session, err := queueaccess.OpenWithFallback(
		func() (*ipc.Client, error) { return nil, errors.New("connection refused") },
		func() (queueaccess.Access, func() error, error) {
			access := queueaccess.NewStoreAccess(env.Queue, cleanup.Options{}, logging.NewNop())
			return access, func() error { closed = true; return nil }, nil
		},
	)
	if err != nil {
		t.Fatalf("OpenWithFallback: %v", err)
	}
	if !session.Direct {
		t.Fatal("expected direct access")
	}
	if err := session.Close(); err != nil || !closed {
		t.Fatalf("expected close to run, err=%v", err)
	}
}

func TestOpenWithFallbackReportsStoreError(t *testing.T) {
	_, err := queueaccess.OpenWithFallback(nil, func() (queueaccess.Access, func() error, error) {
		return nil, nil, errors.New("disk gone")
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestStoreAccessAdministration(t *testing.T) {
	env := testsupport.NewEnv(t)
	ctx := context.Background()
	access := queueaccess.NewStoreAccess(env.Queue, cleanup.Options{}, logging.NewNop())

	batch, err := access.Submit(ctx, queue.Submission{
		Profile: "default",
		Items:   []queue.SubmissionItem{{Name: "a"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testsupport.MustCreateJob(t, env.Queue, "job-x", 0, "c")

	jobs, batches, err := access.List(ctx, "", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || len(batches) != 1 {
		t.Fatalf("unexpected listing: %d jobs, %d batches", len(jobs), len(batches))
	}
	if _, _, err := access.List(ctx, queue.KindBatch, []string{"estimating"}); err == nil {
		t.Fatal("expected job-only state to be rejected for batches")
	}

	shown, children, err := access.ShowBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ShowBatch: %v", err)
	}
	if shown.ID != batch.ID || len(children) != 0 {
		t.Fatalf("unexpected batch detail: %+v %d", shown, len(children))
	}

	if err := access.SetHold(ctx, "c", "audit"); err != nil {
		t.Fatalf("SetHold: %v", err)
	}
	holds, err := access.Holds(ctx)
	if err != nil || len(holds) != 1 {
		t.Fatalf("expected one hold, got %v (%v)", holds, err)
	}
	if err := access.ClearHold(ctx, "c"); err != nil {
		t.Fatalf("ClearHold: %v", err)
	}

	if err := access.Delete(ctx, queue.KindJob, "job-x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	result, err := access.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if result.Total() != 1 {
		t.Fatalf("expected deleted job purged, got %+v", result)
	}
	if _, err := access.ShowJob(ctx, "job-x"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found after purge, got %v", err)
	}

	stats, err := access.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Batches[queue.StateSubmitted] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
