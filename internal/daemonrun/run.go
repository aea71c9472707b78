package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"accession/internal/cleanup"
	"accession/internal/config"
	"accession/internal/daemon"
	"accession/internal/ipc"
	"accession/internal/logging"
	"accession/internal/metrics"
	"accession/internal/notifications"
	"accession/internal/stages"
	"accession/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides [logging] level when set.
	LogLevel string
	// SocketPath overrides the IPC socket location.
	SocketPath string
	// Only restricts the process to the named daemons.
	Only []string
}

// Run starts the accession daemon and blocks until a signal arrives, an IPC
// stop request is served, or a daemon fails.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	runCfg := *cfg
	if opts.LogLevel != "" {
		runCfg.Logging.Level = opts.LogLevel
	}
	if len(opts.Only) > 0 {
		if err := restrictDaemons(&runCfg, opts.Only); err != nil {
			return err
		}
	}
	cfg = &runCfg

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, logPath, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays,
		logPath, filepath.Join(cfg.Paths.LogDir, logging.DaemonLogName))

	coordination, err := Open(signalCtx, cfg, logger, func(previous, current string) {
		logging.WarnWithContext(logger, "coordination session replaced", "session_reconnected",
			logging.String("previous_session", previous),
			logging.String(logging.FieldSessionID, current),
			logging.String(logging.FieldImpact, "locks held by the previous session are re-acquired on next write"),
		)
	})
	if err != nil {
		logger.Error("open coordination store", logging.Error(err))
		return err
	}
	// The session closes last so in-flight locks are released only after
	// every worker has drained.
	defer func() {
		if err := coordination.Close(); err != nil {
			logger.Warn("close coordination store", logging.Error(err))
		}
	}()

	collector := metrics.New(func() float64 { return float64(coordination.Session.Reconnects()) })
	mgr, err := buildManager(cfg, coordination, collector, logger)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, coordination.Queue, coordination.Session, logger, mgr,
		daemon.WithMetrics(collector),
		daemon.WithLogPath(logPath),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and coordination store access"),
		)
		return err
	}
	defer func() {
		if err := d.Stop(); err != nil {
			logger.Warn("daemon stopped with error", logging.Error(err))
		}
	}()

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	select {
	case <-signalCtx.Done():
		logger.Info("accession daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	case <-d.Done():
		logger.Info("accession daemon exited", logging.String(logging.FieldEventType, "daemon_exited"))
	}
	return nil
}

func buildManager(cfg *config.Config, coordination *Coordination, collector *metrics.Collector, logger *slog.Logger) (*workflow.Manager, error) {
	consumers, err := stages.BuildEnabled(stages.Dependencies{
		Store:      coordination.Queue,
		Config:     cfg,
		HTTPClient: http.DefaultClient,
		Notifier:   notifications.NewService(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("build daemons: %w", err)
	}
	if len(consumers) == 0 && !cfg.Cleanup.Enabled {
		return nil, errors.New("no daemons enabled; enable at least one [daemons.<stage>] or [cleanup]")
	}
	mgr := workflow.NewManager(logger)
	for _, cc := range consumers {
		consumer, err := workflow.NewConsumer(coordination.Queue, cc, logger, collector)
		if err != nil {
			return nil, err
		}
		mgr.Add(consumer)
	}
	if cfg.Cleanup.Enabled {
		opts := cleanup.FromConfig(cfg.Cleanup)
		opts.Metrics = collector
		mgr.Add(cleanup.New(coordination.Queue, opts, logger))
	}
	return mgr, nil
}

// restrictDaemons disables every stage daemon not named in only. "cleanup"
// keeps the cleaner.
func restrictDaemons(cfg *config.Config, only []string) error {
	keep := make(map[string]bool, len(only))
	for _, name := range only {
		if name != cleanup.Name && !config.IsStage(name) {
			return fmt.Errorf("unknown daemon %q", name)
		}
		keep[name] = true
	}
	daemons := make(map[string]config.Daemon, len(config.StageNames))
	for _, name := range config.StageNames {
		d := cfg.DaemonConfig(name)
		d.Enabled = d.Enabled && keep[name]
		daemons[name] = d
	}
	cfg.Daemons = daemons
	cfg.Cleanup.Enabled = cfg.Cleanup.Enabled && keep[cleanup.Name]
	return nil
}
