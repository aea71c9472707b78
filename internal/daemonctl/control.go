package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"accession/internal/config"
	"accession/internal/daemonrun"
	"accession/internal/ipc"
	"accession/internal/logging"
	"accession/internal/preflight"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	SocketPath string
	ConfigPath string
	LogLevel   string
}

// StartState describes how EnsureStarted found or left the daemon.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached daemon process running "<executable> daemon".
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

const pollInterval = 200 * time.Millisecond

// poll calls check every pollInterval until it reports done, ctx ends, or
// timeout passes. The last check error is wrapped into the timeout error.
func poll(ctx context.Context, timeout time.Duration, check func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		done, err := check()
		if done {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr == nil {
				return ctx.Err()
			}
			return lastErr
		case <-ticker.C:
		}
	}
}

// WaitForClient dials socketPath until the daemon answers.
func WaitForClient(ctx context.Context, socketPath string, timeout time.Duration) (*ipc.Client, error) {
	var client *ipc.Client
	err := poll(ctx, timeout, func() (bool, error) {
		c, err := ipc.Dial(socketPath)
		if err != nil {
			return false, err
		}
		client = c
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("daemon failed to start: %w", err)
	}
	return client, nil
}

// EnsureStarted launches the daemon unless one already answers on socketPath.
func EnsureStarted(ctx context.Context, socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	state := StartStateAlreadyRunning
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if err := Launch(executablePath, opts); err != nil {
			return StartResult{}, err
		}
		if client, err = WaitForClient(ctx, socketPath, waitTimeout); err != nil {
			return StartResult{}, err
		}
		state = StartStateStarted
	}
	defer client.Close()

	status, err := client.Status()
	switch {
	case err != nil:
		return StartResult{}, err
	case !status.Running:
		return StartResult{}, errors.New("daemon answered but is not running")
	}
	return StartResult{State: state, PID: status.PID}, nil
}

// WaitForShutdown returns once the socket stops answering or the daemon
// reports it is no longer running.
func WaitForShutdown(ctx context.Context, socketPath string, timeout time.Duration) error {
	err := poll(ctx, timeout, func() (bool, error) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			return isDaemonUnavailable(err), err
		}
		defer client.Close()
		status, err := client.Status()
		if err != nil {
			return false, err
		}
		if status.Running {
			return false, errors.New("daemon still running")
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("daemon did not stop: %w", err)
	}
	return nil
}

// ReadPID returns the pid recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// ForceKillProcess sends SIGKILL to the daemon and removes its pid file. The
// kernel drops the flock with the process.
func ForceKillProcess(pidPath string, fallbackPID int) (int, error) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && fallbackPID <= 0 {
			return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
		}
		pid = fallbackPID
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	return pid, nil
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// StopAndTerminate requests a graceful stop and force-kills the process if it
// is still answering after gracePeriod.
func StopAndTerminate(ctx context.Context, socketPath string, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.PID
	}
	resp, stopErr := client.Stop()
	_ = client.Close()
	result := StopResult{PID: pid}
	if stopErr == nil {
		result.StopAcknowledged = resp.Stopped
	}

	if err := WaitForShutdown(ctx, socketPath, gracePeriod); err == nil {
		return result, nil
	}
	if cfg == nil {
		return result, errors.New("daemon did not stop and no config is available to locate its pid file")
	}
	killed, err := ForceKillProcess(cfg.PIDPath(), pid)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", err)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killed
	return result, nil
}

// BuildStatusSnapshot returns the running daemon's status, or an offline
// snapshot read straight from the coordination store.
func BuildStatusSnapshot(ctx context.Context, socketPath string, cfg *config.Config) (*ipc.StatusResponse, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	if client, err := ipc.Dial(socketPath); err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(); statusErr == nil {
			return resp, nil
		}
	}

	status := &ipc.StatusResponse{
		Identity:     cfg.Workflow.Identity,
		LockPath:     cfg.LockPath(),
		Dependencies: preflight.CheckSystemDeps(cfg),
		Preflight:    preflight.RunAll(ctx, cfg),
	}
	if pid, err := ReadPID(cfg.PIDPath()); err == nil {
		status.PID = pid
	}
	if cfg.Coord.Connect == config.SchemeMemory {
		status.QueueError = "the in-memory store is only reachable inside the daemon"
		return status, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	coordination, err := daemonrun.Open(queryCtx, cfg, logging.NewNop(), nil)
	if err != nil {
		status.QueueError = err.Error()
		return status, nil
	}
	defer coordination.Close()
	stats, err := coordination.Queue.Stats(queryCtx)
	if err != nil {
		status.QueueError = err.Error()
		return status, nil
	}
	status.Queue = &stats
	if holds, err := coordination.Queue.ListHolds(queryCtx); err == nil {
		status.Holds = holds
	}
	return status, nil
}

func isDaemonUnavailable(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
