package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"accession/internal/coord"
	"accession/internal/coord/memstore"
	"accession/internal/session"
)

func newManager(t *testing.T, store *memstore.Store, attempts int) *session.Manager {
	t.Helper()
	mgr, err := session.New(context.Background(), store, session.Options{Attempts: attempts})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestDoRetriesConnectionLossOnSameSession(t *testing.T) {
	store := memstore.New(memstore.Options{})
	mgr := newManager(t, store, 3)
	original := mgr.SessionID()

	failures := 2
	store.SetFault(func(call memstore.Call) error {
		if call.Op == "create" && failures > 0 {
			failures--
			return coord.ErrConnectionLoss
		}
		return nil
	})

	err := mgr.Do(context.Background(), func(ctx context.Context, conn coord.Conn) error {
		_, err := conn.Create(ctx, "/a", nil, coord.Persistent)
		return err
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if mgr.SessionID() != original || mgr.Reconnects() != 0 {
		t.Fatalf("connection loss must not replace the session (id %s -> %s, reconnects %d)", original, mgr.SessionID(), mgr.Reconnects())
	}
}

func TestDoReconnectsAfterSessionExpiry(t *testing.T) {
	store := memstore.New(memstore.Options{})
	var reconnected []string
	mgr, err := session.New(context.Background(), store, session.Options{
		Attempts:    3,
		OnReconnect: func(previous, current string) { reconnected = append(reconnected, previous, current) },
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer mgr.Close()
	original := mgr.SessionID()

	expired := false
	store.SetFault(func(call memstore.Call) error {
		if call.Session == original && !expired {
			expired = true
			return coord.ErrSessionExpired
		}
		return nil
	})

	var used []string
	err = mgr.Do(context.Background(), func(ctx context.Context, conn coord.Conn) error {
		used = append(used, conn.SessionID())
		_, err := conn.Create(ctx, "/locks/a", nil, coord.Ephemeral)
		return err
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if len(used) != 2 || used[0] != original || used[1] == original {
		t.Fatalf("expected retry on a new session, got %v", used)
	}
	if mgr.Reconnects() != 1 {
		t.Fatalf("expected 1 reconnect, got %d", mgr.Reconnects())
	}
	if len(reconnected) != 2 || reconnected[0] != original || reconnected[1] != mgr.SessionID() {
		t.Fatalf("unexpected reconnect callback: %v", reconnected)
	}
	if got := store.Sessions(); len(got) != 1 || got[0] != mgr.SessionID() {
		t.Fatalf("expected only the replacement session, got %v", got)
	}
}

func TestDoGivesUpAfterBoundedAttempts(t *testing.T) {
	store := memstore.New(memstore.Options{})
	mgr := newManager(t, store, 3)

	calls := 0
	store.SetFault(func(call memstore.Call) error {
		calls++
		return coord.ErrConnectionLoss
	})
	err := mgr.Do(context.Background(), func(ctx context.Context, conn coord.Conn) error {
		_, err := conn.Get(ctx, "/a")
		return err
	})
	if !errors.Is(err, session.ErrExhausted) || !errors.Is(err, coord.ErrConnectionLoss) {
		t.Fatalf("expected exhausted connection loss, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoReturnsLogicalErrorsImmediately(t *testing.T) {
	store := memstore.New(memstore.Options{})
	mgr := newManager(t, store, 3)

	calls := 0
	err := mgr.Do(context.Background(), func(ctx context.Context, conn coord.Conn) error {
		calls++
		_, err := conn.Get(ctx, "/missing")
		return err
	})
	if !errors.Is(err, coord.ErrNoNode) || errors.Is(err, session.ErrExhausted) {
		t.Fatalf("expected bare ErrNoNode, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	store := memstore.New(memstore.Options{})
	mgr := newManager(t, store, 5)
	ctx, cancel := context.WithCancel(context.Background())
	err := mgr.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		cancel()
		return coord.ErrConnectionLoss
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestClosedManagerRejectsWork(t *testing.T) {
	store := memstore.New(memstore.Options{})
	mgr := newManager(t, store, 3)
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := mgr.Do(context.Background(), func(ctx context.Context, conn coord.Conn) error { return nil })
	if !errors.Is(err, coord.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("expected session released on close, got %v", store.Sessions())
	}
}

func TestOpenBackend(t *testing.T) {
	mem, err := session.OpenBackend("mem://", session.BackendOptions{})
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	_ = mem.Close()

	sqlite, err := session.OpenBackend("sqlite://"+filepath.Join(t.TempDir(), "coord.db"), session.BackendOptions{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = sqlite.Close()

	if _, err := session.OpenBackend("zk://localhost", session.BackendOptions{}); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
