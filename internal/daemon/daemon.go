package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"accession/internal/config"
	"accession/internal/deps"
	"accession/internal/logging"
	"accession/internal/metrics"
	"accession/internal/preflight"
	"accession/internal/queue"
	"accession/internal/workflow"
)

// SessionInfo exposes the coordination session for status reporting.
type SessionInfo interface {
	SessionID() string
	Reconnects() int64
}

// Daemon enforces single-instance execution and supervises the workflow manager.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	session  SessionInfo
	workflow *workflow.Manager
	metrics  *metrics.Collector
	logPath  string

	lockPath string
	pidPath  string
	lock     *flock.Flock

	running   atomic.Bool
	mu        sync.Mutex
	startedAt time.Time
	deps      []deps.Status
	preflight []preflight.Result
	api       *apiServer
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	Identity     string             `json:"identity"`
	SessionID    string             `json:"session_id,omitempty"`
	Reconnects   int64              `json:"reconnects"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	LockPath     string             `json:"lock_path"`
	LogPath      string             `json:"log_path,omitempty"`
	Daemons      []workflow.Status  `json:"daemons"`
	Queue        *queue.Stats       `json:"queue,omitempty"`
	QueueError   string             `json:"queue_error,omitempty"`
	Holds        []queue.Hold       `json:"holds,omitempty"`
	Dependencies []deps.Status      `json:"dependencies,omitempty"`
	Preflight    []preflight.Result `json:"preflight,omitempty"`
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithMetrics serves c on /metrics when the HTTP endpoint is enabled.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) { d.metrics = c }
}

// WithLogPath records the current run's log file for status.
func WithLogPath(path string) Option {
	return func(d *Daemon) { d.logPath = path }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, session SessionInfo, logger *slog.Logger, wf *workflow.Manager, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		session:  session,
		workflow: wf,
		lockPath: lockPath,
		pidPath:  cfg.PIDPath(),
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the daemon lock and launches the workflow manager.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another accession daemon instance is already running (lock %s)", d.lockPath)
	}

	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		d.logger.Warn("failed to write pid file",
			logging.String("path", d.pidPath),
			logging.Error(err),
		)
	}

	d.mu.Lock()
	d.deps = preflight.CheckSystemDeps(d.cfg)
	d.preflight = preflight.RunAll(ctx, d.cfg)
	d.mu.Unlock()
	d.logChecks()

	if err := d.workflow.Start(ctx); err != nil {
		d.release()
		return fmt.Errorf("start workflow: %w", err)
	}

	api, err := newAPIServer(d.cfg, d, d.logger)
	if err == nil {
		err = api.start(ctx)
	}
	if err != nil {
		_ = d.workflow.Stop()
		d.release()
		return err
	}

	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.api = api
	d.mu.Unlock()
	d.running.Store(true)
	d.logger.Info("accession daemon started",
		logging.String("lock", d.lockPath),
		logging.String("identity", d.store.Identity()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) logChecks() {
	d.mu.Lock()
	statuses, results := d.deps, d.preflight
	d.mu.Unlock()
	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(d.logger, "daemon command unavailable", "dependency_missing",
			logging.String("dependency", missing.Name),
			logging.String("command", missing.Command),
			logging.String(logging.FieldErrorHint, missing.Detail),
			logging.String(logging.FieldImpact, "the daemon will defer items until the command is installed"),
		)
	}
	for _, result := range preflight.Failed(results) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String(logging.FieldErrorHint, result.Detail),
		)
	}
}

// Stop drains the workflow manager and releases the daemon lock.
func (d *Daemon) Stop() error {
	if !d.running.Swap(false) {
		return nil
	}
	d.mu.Lock()
	api := d.api
	d.api = nil
	d.mu.Unlock()
	api.stop()

	err := d.workflow.Stop()
	d.release()
	d.logger.Info("accession daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

func (d *Daemon) release() {
	if err := os.Remove(d.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove pid file", logging.String("path", d.pidPath), logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Done is closed once the workflow manager exits, whether by Stop or because
// a daemon failed.
func (d *Daemon) Done() <-chan struct{} {
	return d.workflow.Done()
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// LogPath returns the path to the current run's log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// APIAddr returns the HTTP endpoint's listening address, or "" when disabled.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.api.addr()
}

// Store returns the queue the daemon consumes.
func (d *Daemon) Store() *queue.Store {
	return d.store
}

// Status returns the current daemon status. Queue failures are reported in
// QueueError rather than failing the whole snapshot.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Identity:     d.store.Identity(),
		StartedAt:    d.startedAt,
		LockPath:     d.lockPath,
		LogPath:      d.logPath,
		Dependencies: append([]deps.Status(nil), d.deps...),
		Preflight:    append([]preflight.Result(nil), d.preflight...),
	}
	d.mu.Unlock()

	if d.session != nil {
		status.SessionID = d.session.SessionID()
		status.Reconnects = d.session.Reconnects()
	}
	status.Daemons = d.workflow.Status(ctx)

	stats, err := d.store.Stats(ctx)
	if err != nil {
		status.QueueError = strings.TrimSpace(err.Error())
		return status
	}
	status.Queue = &stats
	holds, err := d.store.ListHolds(ctx)
	if err != nil {
		status.QueueError = strings.TrimSpace(err.Error())
		return status
	}
	status.Holds = holds
	return status
}
