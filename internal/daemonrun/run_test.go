package daemonrun

import (
	"context"
	"os"
	"testing"
	"time"

	"accession/internal/config"
	"accession/internal/ipc"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/testsupport"
)

func TestLayoutUsesConfiguredNames(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Coord.Root = "/archive"
	cfg.Holds.Global = "pause"
	cfg.Holds.Collections = "paused"

	layout := Layout(cfg)
	if got := layout.GlobalHold(); got != "/archive/holds/pause" {
		t.Fatalf("global hold path = %q", got)
	}
	if got := layout.CollectionHold("Coll A"); got != "/archive/holds/paused/coll-a" {
		t.Fatalf("collection hold path = %q", got)
	}
}

func TestOpenSQLiteStoreSharesState(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteStore())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	ctx := context.Background()

	first, err := Open(ctx, cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	testsupport.MustCreateJob(t, first.Queue, "job-1", 0, "c")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(ctx, cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	job, err := second.Queue.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != queue.StatePending {
		t.Fatalf("state = %s", job.State)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Coord.Connect = "etcd://localhost"
	if _, err := Open(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestRestrictDaemons(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := restrictDaemons(cfg, []string{config.StageEstimate, "cleanup"}); err != nil {
		t.Fatalf("restrictDaemons: %v", err)
	}
	enabled := cfg.EnabledDaemons()
	if len(enabled) != 1 || enabled[0] != config.StageEstimate {
		t.Fatalf("enabled = %v", enabled)
	}
	if !cfg.Cleanup.Enabled {
		t.Fatal("expected cleanup to stay enabled")
	}
	if err := restrictDaemons(cfg, []string{"bogus"}); err == nil {
		t.Fatal("expected unknown daemon error")
	}
}

func TestRunServesIPCUntilStopped(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteStore())
	cfg.Estimate.MinFreeGiB = 0

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), cfg, Options{LogLevel: "error"})
	}()

	var client *ipc.Client
	deadline := time.Now().Add(5 * time.Second)
	for client == nil {
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never appeared")
		}
		if _, err := os.Stat(cfg.SocketPath()); err == nil {
			if c, err := ipc.Dial(cfg.SocketPath()); err == nil {
				client = c
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || len(status.Daemons) != len(config.StageNames)+1 {
		t.Fatalf("unexpected status: running=%v daemons=%d", status.Running, len(status.Daemons))
	}
	if _, err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = client.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, got %v", err)
	}
}
