package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"accession/internal/config"
	"accession/internal/coord"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/session"
)

// Coordination is an open session on the coordination store plus the queue
// view over it.
type Coordination struct {
	Backend coord.Backend
	Session *session.Manager
	Queue   *queue.Store
}

// Layout maps the [coord] root and [holds] names onto store paths.
func Layout(cfg *config.Config) queue.Layout {
	layout := queue.NewLayout(cfg.Coord.Root)
	layout.Global = cfg.Holds.Global
	layout.Collections = cfg.Holds.Collections
	return layout
}

// Open connects to the configured coordination store. onReconnect may be nil.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, onReconnect func(previous, current string)) (*Coordination, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	backend, err := session.OpenBackend(cfg.Coord.Connect, session.BackendOptions{
		SessionTimeout: cfg.SessionTimeout(),
		Owner:          cfg.Workflow.Identity,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := session.New(ctx, backend, session.Options{
		Attempts:    cfg.Coord.RetryAttempts,
		Backoff:     cfg.RetryBackoff(),
		Logger:      logger,
		OnReconnect: onReconnect,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open coordination session: %w", err)
	}
	store := queue.NewStore(mgr, queue.Options{
		Layout:   Layout(cfg),
		Identity: cfg.Workflow.Identity,
		Logger:   logger,
	})
	return &Coordination{Backend: backend, Session: mgr, Queue: store}, nil
}

// Close ends the session, which drops its ephemeral locks, then closes the
// backend.
func (c *Coordination) Close() error {
	if c == nil {
		return nil
	}
	return errors.Join(c.Session.Close(), c.Backend.Close())
}
