package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"accession/internal/logging"
)

// Runner is a supervised long-running daemon.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Status(ctx context.Context) Status
}

// Manager starts its runners together and stops them together.
type Manager struct {
	logger  *slog.Logger
	runners []Runner

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewManager supervises runners.
func NewManager(logger *slog.Logger, runners ...Runner) *Manager {
	return &Manager{
		logger:  logging.NewComponentLogger(logger, "workflow-manager"),
		runners: runners,
	}
}

// Add registers another runner. It must be called before Start.
func (m *Manager) Add(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, r)
}

// Run blocks until ctx ends or a runner fails; either way every runner is
// stopped before it returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	runners := append([]Runner(nil), m.runners...)
	m.mu.Unlock()
	if len(runners) == 0 {
		return errors.New("workflow: no daemons configured")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range runners {
		group.Go(func() error {
			err := r.Run(groupCtx)
			if err != nil {
				logging.ErrorWithContext(m.logger, "daemon exited with error", "daemon_failed",
					logging.String(logging.FieldDaemon, r.Name()),
					logging.Error(err),
					logging.String(logging.FieldImpact, "all daemons in this process are stopping"),
				)
			}
			return err
		})
	}
	return group.Wait()
}

// Start runs the manager in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.err = nil
	done := m.done
	m.mu.Unlock()

	go func() {
		err := m.Run(runCtx)
		m.mu.Lock()
		m.err = err
		m.running = false
		m.mu.Unlock()
		close(done)
	}()
	return nil
}

// Stop cancels the runners and waits for them to drain.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when a started manager has fully stopped.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether Start has been called and the runners are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status snapshots every runner.
func (m *Manager) Status(ctx context.Context) []Status {
	m.mu.Lock()
	runners := append([]Runner(nil), m.runners...)
	m.mu.Unlock()
	out := make([]Status, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Status(ctx))
	}
	return out
}
