package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"accession/internal/config"
	"accession/internal/daemon"
	"accession/internal/ipc"
	"accession/internal/logging"
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

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	socketPath string
	env        *testsupport.Env
}

// setupOfflineEnv writes a SQLite-backed config and leaves no daemon
// running, so queue commands use the store directly.
func setupOfflineEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("ACCESSION_COORD", "")
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteStore())
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		socketPath: filepath.Join(testsupport.BaseDir(cfg), "absent.sock"),
	}
}

// setupDaemonEnv starts an in-process daemon over an in-memory store and
// serves it on a socket.
func setupDaemonEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("ACCESSION_COORD", "")
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

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

	socket := filepath.Join(cfg.Paths.StateDir, "cli.sock")
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC-backed CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	return &cliTestEnv{cfg: cfg, configPath: configPath, socketPath: socket, env: env}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runCLI(t, args, e.socketPath, e.configPath)
	return stdout, err
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[coord]\nconnect = %q\nretry_backoff_ms = 1\n\n[paths]\nstate_dir = %q\nlog_dir = %q\nstorage_dir = %q\n\n[workflow]\nidentity = %q\n",
		cfg.Coord.Connect,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Paths.StorageDir,
		cfg.Workflow.Identity,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
