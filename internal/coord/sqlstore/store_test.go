package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"accession/internal/coord"
	"accession/internal/coord/coordtest"
	"accession/internal/coord/sqlstore"
)

func openStore(t *testing.T, path string, opts sqlstore.Options) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(path, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestConformance(t *testing.T) {
	coordtest.Run(t, func(t *testing.T) coordtest.Harness {
		store := openStore(t, filepath.Join(t.TempDir(), "coord.db"), sqlstore.Options{SessionTimeout: time.Minute})
		return coordtest.Harness{
			Backend: store,
			Expire: func(t *testing.T, id string) {
				if err := store.ExpireSession(context.Background(), id); err != nil {
					t.Fatalf("expire session: %v", err)
				}
			},
		}
	})
}

func TestSessionsShareOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	first := openStore(t, path, sqlstore.Options{Owner: "daemon-a"})
	defer first.Close()
	second := openStore(t, path, sqlstore.Options{Owner: "daemon-b"})
	defer second.Close()

	a, err := first.Connect(ctx)
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	b, err := second.Connect(ctx)
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	if _, err := a.Create(ctx, "/accession/locks/jobs/x", []byte("a"), coord.Ephemeral); err != nil {
		t.Fatalf("create lock: %v", err)
	}
	if _, err := b.Create(ctx, "/accession/locks/jobs/x", []byte("b"), coord.Ephemeral); !errors.Is(err, coord.ErrNodeExists) {
		t.Fatalf("expected second process to see the lock, got %v", err)
	}

	sessions, err := second.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %+v", sessions)
	}
}

func TestExpiredSessionIsReaped(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := openStore(t, filepath.Join(t.TempDir(), "coord.db"), sqlstore.Options{
		SessionTimeout: 10 * time.Second,
		Keepalive:      -1,
		Clock:          clock,
	})
	defer store.Close()

	crashed, err := store.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := crashed.Create(ctx, "/locks/a", nil, coord.Ephemeral); err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(9 * time.Second)
	survivor, err := store.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := survivor.Get(ctx, "/locks/a"); err != nil {
		t.Fatalf("lock should survive before timeout: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := survivor.Get(ctx, "/locks/a"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected lock reaped after timeout, got %v", err)
	}
	if _, err := crashed.Get(ctx, "/locks"); !errors.Is(err, coord.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coord.db")
	store := openStore(t, path, sqlstore.Options{})
	conn, err := store.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Create(ctx, "/accession/jobs/a", []byte(`{"id":"a"}`), coord.Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = conn.Close()
	_ = store.Close()

	reopened := openStore(t, path, sqlstore.Options{})
	defer reopened.Close()
	conn, err = reopened.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	node, err := conn.Get(ctx, "/accession/jobs/a")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(node.Data) != `{"id":"a"}` {
		t.Fatalf("unexpected data %q", node.Data)
	}
}
