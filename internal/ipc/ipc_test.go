package ipc_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"accession/internal/daemon"
	"accession/internal/ipc"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/testsupport"
	"accession/internal/workflow"
)

type idleRunner struct{}

func (idleRunner) Name() string { return "idle" }

func (idleRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (idleRunner) Status(context.Context) workflow.Status {
	return workflow.Status{Name: "idle", State: workflow.StateIdle}
}

func startServer(t *testing.T) (*ipc.Client, *testsupport.Env, *daemon.Daemon) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	env := testsupport.NewEnv(t)
	logger := logging.NewNop()
	d, err := daemon.New(cfg, env.Queue, env.Session, logger, workflow.NewManager(logger, idleRunner{}))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	socket := filepath.Join(cfg.Paths.StateDir, "test.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, env, d
}

func TestIPCStatusAndSubmit(t *testing.T) {
	client, env, _ := startServer(t)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running || status.Identity != "test-daemon" {
		t.Fatalf("unexpected status: %+v", status)
	}

	submitted, err := client.Submit(ipc.SubmitRequest{Submission: queue.Submission{
		Profile:    "default",
		Collection: "coll-a",
		Priority:   4,
		Items:      []queue.SubmissionItem{{Name: "one"}, {Name: "two"}},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.Batch == nil || submitted.Batch.State != queue.StateSubmitted {
		t.Fatalf("unexpected batch: %+v", submitted.Batch)
	}

	stored, err := env.Queue.GetBatch(context.Background(), submitted.Batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(stored.Payload.Items) != 2 {
		t.Fatalf("expected two items, got %d", len(stored.Payload.Items))
	}

	list, err := client.QueueList(ipc.QueueListRequest{Kind: "batch", States: []string{"submitted"}})
	if err != nil {
		t.Fatalf("QueueList: %v", err)
	}
	if len(list.Batches) != 1 || len(list.Jobs) != 0 {
		t.Fatalf("unexpected listing: %+v", list)
	}

	shown, err := client.QueueShow(ipc.QueueShowRequest{Kind: "batch", ID: submitted.Batch.ID})
	if err != nil {
		t.Fatalf("QueueShow: %v", err)
	}
	if shown.Batch == nil || shown.Batch.ID != submitted.Batch.ID {
		t.Fatalf("unexpected show: %+v", shown)
	}

	if _, err := client.Submit(ipc.SubmitRequest{Submission: queue.Submission{Profile: "default"}}); err == nil {
		t.Fatal("expected empty submission to be rejected")
	}
}

func TestIPCQueueAdministration(t *testing.T) {
	client, env, _ := startServer(t)
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, env.Queue, "job-1", 1, "coll")

	claim, err := env.Queue.Lock(ctx, queue.KindJob, job.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := claim.Fail(ctx, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := client.QueueRequeue(ipc.QueueActionRequest{Kind: "job", ID: job.ID}); err != nil {
		t.Fatalf("QueueRequeue: %v", err)
	}
	got, err := env.Queue.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != queue.StatePending || got.Message != "" {
		t.Fatalf("expected pending with no message, got %s %q", got.State, got.Message)
	}

	if err := client.QueueDelete(ipc.QueueActionRequest{Kind: "job", ID: job.ID}); err != nil {
		t.Fatalf("QueueDelete: %v", err)
	}
	got, err = env.Queue.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != queue.StateDeleted {
		t.Fatalf("expected deleted, got %s", got.State)
	}

	if err := client.QueueRequeue(ipc.QueueActionRequest{Kind: "job", ID: "missing"}); err == nil {
		t.Fatal("expected missing job to fail")
	}

	if err := client.HoldSet(ipc.HoldRequest{Reason: "maintenance"}); err != nil {
		t.Fatalf("HoldSet global: %v", err)
	}
	if err := client.HoldSet(ipc.HoldRequest{Collection: "Coll B", Reason: "audit"}); err != nil {
		t.Fatalf("HoldSet collection: %v", err)
	}
	holds, err := client.HoldList()
	if err != nil {
		t.Fatalf("HoldList: %v", err)
	}
	if len(holds.Holds) != 2 {
		t.Fatalf("expected two holds, got %+v", holds.Holds)
	}
	if held, _ := env.Queue.GlobalHeld(ctx); !held {
		t.Fatal("expected global hold to be raised")
	}
	if err := client.HoldClear(ipc.HoldRequest{}); err != nil {
		t.Fatalf("HoldClear: %v", err)
	}
	if held, _ := env.Queue.GlobalHeld(ctx); held {
		t.Fatal("expected global hold to be cleared")
	}

	locks, err := client.Locks()
	if err != nil {
		t.Fatalf("Locks: %v", err)
	}
	if len(locks.Locks) != 0 {
		t.Fatalf("expected no locks, got %+v", locks.Locks)
	}

	if _, err := client.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
}

func TestIPCStop(t *testing.T) {
	client, _, d := startServer(t)
	resp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !resp.Stopped || d.Running() {
		t.Fatal("expected daemon to be stopped")
	}
	<-d.Done()
}
