// Package sqlstore implements the coordination store on a SQLite database
// shared by every daemon process on a host.
//
// Sessions are rows with an expiry that each operation and a keepalive loop
// push forward. Every operation runs in an immediate transaction that first
// reaps expired sessions together with their ephemeral nodes, so a crashed
// daemon's locks disappear once its session timeout elapses. SQLite busy
// errors are retried with backoff and surface as coord.ErrConnectionLoss when
// they persist.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"accession/internal/coord"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	defaultSessionTimeout   = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	SessionTimeout time.Duration
	// Keepalive overrides the renewal interval, SessionTimeout/3 by default.
	// A negative value disables renewal.
	Keepalive time.Duration
	// Owner is recorded on sessions for operator listings.
	Owner string
	Clock func() time.Time
}

// Store is a SQLite-backed coordination store.
type Store struct {
	db   *sql.DB
	path string
	opts Options
}

// Open initializes or connects to the coordination database at path.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlstore: database path is required")
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = opts.SessionTimeout / 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection per process; other processes contend through SQLite locking.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path, opts: opts}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return retryOnBusy(ctx, func() error { return s.createSchema(ctx) })
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset the store)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var existing int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_version").Scan(&existing); err != nil {
		return fmt.Errorf("count schema version: %w", err)
	}
	if existing == 0 {
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return tx.Commit()
}

// Connect opens a new session.
func (s *Store) Connect(ctx context.Context) (coord.Conn, error) {
	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := reap(ctx, tx, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO sessions(id, owner, created_at, expires_at) VALUES (?, ?, ?, ?)",
			id, s.opts.Owner, now.UnixNano(), now.Add(s.opts.SessionTimeout).UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	c := &conn{store: s, id: id, done: make(chan struct{})}
	if s.opts.Keepalive > 0 {
		go c.keepalive(s.opts.Keepalive)
	}
	return c, nil
}

// SessionInfo describes a live session row.
type SessionInfo struct {
	ID        string
	Owner     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Sessions lists live sessions.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.inTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := reap(ctx, tx, now); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, "SELECT id, owner, created_at, expires_at FROM sessions ORDER BY created_at")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var info SessionInfo
			var created, expires int64
			if err := rows.Scan(&info.ID, &info.Owner, &created, &expires); err != nil {
				return err
			}
			info.CreatedAt = time.Unix(0, created)
			info.ExpiresAt = time.Unix(0, expires)
			out = append(out, info)
		}
		return rows.Err()
	})
	return out, err
}

// ExpireSession ends a session immediately, releasing its ephemeral nodes.
func (s *Store) ExpireSession(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx, _ time.Time) error {
		return dropSession(ctx, tx, id)
	})
}

// inTx runs fn in an immediate transaction with busy retries. Coordination
// errors returned by fn pass through; database failures become connection loss.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var logical error
	err := retryOnBusy(ctx, func() error {
		logical = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx, s.opts.Clock()); err != nil {
			if isCoordError(err) {
				logical = err
				return nil
			}
			return err
		}
		return tx.Commit()
	})
	if logical != nil {
		return logical
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
}

// session runs fn on behalf of a session: the session is validated and
// renewed, expired sessions are reaped, then fn runs. An expired session is
// cleaned up and reported as coord.ErrSessionExpired.
func (s *Store) session(ctx context.Context, id string, fn func(tx *sql.Tx, now time.Time) error) error {
	expired := false
	err := s.inTx(ctx, func(tx *sql.Tx, now time.Time) error {
		expired = false
		var expiresAt int64
		err := tx.QueryRowContext(ctx, "SELECT expires_at FROM sessions WHERE id = ?", id).Scan(&expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			expired = true
		case err != nil:
			return err
		case expiresAt <= now.UnixNano():
			expired = true
		}
		if err := reap(ctx, tx, now); err != nil {
			return err
		}
		if expired {
			return dropSession(ctx, tx, id)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sessions SET expires_at = ? WHERE id = ?",
			now.Add(s.opts.SessionTimeout).UnixNano(), id); err != nil {
			return err
		}
		return fn(tx, now)
	})
	if err != nil {
		return err
	}
	if expired {
		return coord.ErrSessionExpired
	}
	return nil
}

func reap(ctx context.Context, tx *sql.Tx, now time.Time) error {
	cutoff := now.UnixNano()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE owner != '' AND owner IN (SELECT id FROM sessions WHERE expires_at <= ?)", cutoff); err != nil {
		return err
	}
	// Ephemeral nodes whose session row vanished entirely.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE owner != '' AND owner NOT IN (SELECT id FROM sessions)"); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", cutoff)
	return err
}

func dropSession(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE owner = ?", id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

func isCoordError(err error) bool {
	for _, target := range []error{
		coord.ErrNodeExists, coord.ErrNoNode, coord.ErrBadVersion, coord.ErrNotEmpty,
		coord.ErrEphemeralParent, coord.ErrInvalidPath,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
