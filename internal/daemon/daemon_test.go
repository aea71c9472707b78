package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"testing"

	"accession/internal/config"
	"accession/internal/daemon"
	"accession/internal/logging"
	"accession/internal/metrics"
	"accession/internal/queue"
	"accession/internal/testsupport"
	"accession/internal/workflow"
)

type idleRunner struct{ name string }

func (r idleRunner) Name() string { return r.name }

func (r idleRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r idleRunner) Status(context.Context) workflow.Status {
	return workflow.Status{Name: r.name, State: workflow.StateIdle}
}

func newDaemon(t *testing.T, cfg *config.Config, env *testsupport.Env, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	mgr := workflow.NewManager(logging.NewNop(), idleRunner{name: "idle"})
	d, err := daemon.New(cfg, env.Queue, env.Session, logging.NewNop(), mgr, opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	env := testsupport.NewEnv(t)
	d := newDaemon(t, cfg, env)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other := newDaemon(t, cfg, env)
	if err := other.Start(ctx); err == nil {
		t.Fatal("expected a second daemon on the same lock to fail")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if _, err := os.Stat(cfg.PIDPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, got %v", err)
	}

	if err := other.Start(ctx); err != nil {
		t.Fatalf("expected lock to be free after stop: %v", err)
	}
}

func TestStatusReportsQueueAndSession(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	env := testsupport.NewEnv(t)
	testsupport.MustSubmit(t, env.Queue, "coll-a", 5, "one", "two")
	if err := env.Queue.SetCollectionHold(context.Background(), "coll-a", "audit"); err != nil {
		t.Fatalf("SetCollectionHold: %v", err)
	}
	d := newDaemon(t, cfg, env, daemon.WithLogPath("/tmp/run.log"))
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := d.Status(ctx)
	if status.Identity != "test-daemon" {
		t.Fatalf("identity = %q", status.Identity)
	}
	if status.SessionID == "" {
		t.Fatal("expected session id")
	}
	if status.LogPath != "/tmp/run.log" {
		t.Fatalf("log path = %q", status.LogPath)
	}
	if status.Queue == nil || status.Queue.Batches[queue.StateSubmitted] != 1 {
		t.Fatalf("unexpected queue stats: %+v (error %q)", status.Queue, status.QueueError)
	}
	if len(status.Holds) != 1 || status.Holds[0].Collection == "" {
		t.Fatalf("expected collection hold, got %+v", status.Holds)
	}
	if len(status.Daemons) != 1 || status.Daemons[0].Name != "idle" {
		t.Fatalf("unexpected daemons: %+v", status.Daemons)
	}
	if len(status.Preflight) == 0 {
		t.Fatal("expected preflight results")
	}
}

func TestAPIServesStatusAndQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.Bind = "127.0.0.1:0"
	cfg.Metrics.Token = "secret"
	env := testsupport.NewEnv(t)
	job := testsupport.MustCreateJob(t, env.Queue, "job-1", 3, "coll")
	d := newDaemon(t, cfg, env, daemon.WithMetrics(metrics.New(nil)))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + d.APIAddr()

	get := func(path string, auth bool) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, base+path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if auth {
			req.Header.Set("Authorization", "Bearer secret")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	if resp := get("/api/status", false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp := get("/api/status", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.Queue == nil || status.Queue.Jobs[queue.StatePending] != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp = get("/api/queue/job/"+job.ID, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job lookup code = %d", resp.StatusCode)
	}
	var got queue.Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != job.ID || got.Priority != 3 {
		t.Fatalf("unexpected job: %+v", got)
	}

	if resp := get("/api/queue/job/missing", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp := get("/api/queue?kind=job&state=bogus", true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad state, got %d", resp.StatusCode)
	}

	resp = get("/api/queue?kind=job&state=pending", true)
	var list daemon.QueueListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || len(list.Batches) != 0 {
		t.Fatalf("unexpected list: %+v", list)
	}

	if resp := get("/metrics", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics code = %d", resp.StatusCode)
	}
}
