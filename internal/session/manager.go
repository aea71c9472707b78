package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"accession/internal/coord"
	"accession/internal/logging"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// ErrExhausted wraps the last failure once every recovery attempt failed.
var ErrExhausted = errors.New("session: recovery attempts exhausted")

// Options tunes recovery.
type Options struct {
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
	// OnReconnect runs after a replacement session is established.
	OnReconnect func(previous, current string)
}

// Manager owns the current session against a backend.
type Manager struct {
	backend coord.Backend
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	conn   coord.Conn
	closed bool

	reconnects atomic.Int64
	lastID     atomic.Value
}

// New connects to backend. A failure here is fatal for daemon startup.
func New(ctx context.Context, backend coord.Backend, opts Options) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = defaultBackoff
	}
	m := &Manager{
		backend: backend,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "session"),
	}
	conn, err := backend.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect coordination store: %w", err)
	}
	m.conn = conn
	m.lastID.Store(conn.SessionID())
	m.logger.Info("coordination session established",
		logging.String(logging.FieldSessionID, conn.SessionID()),
		logging.String(logging.FieldEventType, "session_established"),
	)
	return m, nil
}

// SessionID returns the current (or most recent) session identifier.
func (m *Manager) SessionID() string {
	if v, ok := m.lastID.Load().(string); ok {
		return v
	}
	return ""
}

// Reconnects reports how many replacement sessions have been opened.
func (m *Manager) Reconnects() int64 {
	return m.reconnects.Load()
}

// Conn returns the live session, opening a replacement if the previous one
// was invalidated.
func (m *Manager) Conn(ctx context.Context) (coord.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, coord.ErrClosed
	}
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.backend.Connect(ctx)
	if err != nil {
		return nil, err
	}
	previous := m.SessionID()
	m.conn = conn
	m.lastID.Store(conn.SessionID())
	m.reconnects.Add(1)
	m.logger.Info("coordination session re-established",
		logging.String(logging.FieldSessionID, conn.SessionID()),
		logging.String("previous_session_id", previous),
		logging.String(logging.FieldEventType, "session_reconnected"),
	)
	if m.opts.OnReconnect != nil {
		m.opts.OnReconnect(previous, conn.SessionID())
	}
	return conn, nil
}

// invalidate drops conn if it is still current so the next Conn reconnects.
func (m *Manager) invalidate(conn coord.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn = nil
	_ = conn.Close()
	logging.WarnWithContext(m.logger, "coordination session lost", "session_lost",
		logging.String(logging.FieldSessionID, conn.SessionID()),
		logging.String(logging.FieldImpact, "locks held by this session are released"),
		logging.String(logging.FieldErrorHint, "check coordination store health and session_timeout"),
	)
}

// Do runs op against the current session with bounded recovery. Errors that
// are neither connection loss nor session loss are returned unchanged on the
// first occurrence.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context, conn coord.Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		conn, err := m.Conn(ctx)
		if err == nil {
			err = op(ctx, conn)
			if err == nil {
				return nil
			}
			switch {
			case coord.IsSessionLost(err):
				m.invalidate(conn)
			case coord.IsTransient(err):
			default:
				return err
			}
		} else if errors.Is(err, coord.ErrClosed) && m.isClosed() {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		m.logger.Debug("coordination operation retry",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", m.opts.Attempts),
			logging.Error(err),
		)
		if attempt == m.opts.Attempts {
			break
		}
		if err := sleep(ctx, m.opts.Backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, m.opts.Attempts, lastErr)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close ends the current session. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
