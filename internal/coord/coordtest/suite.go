// Package coordtest holds the behaviour every coordination store backend
// must share. Backend packages call Run from their tests.
package coordtest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"accession/internal/coord"
)

// Harness exposes a backend plus the control the suite needs over it.
type Harness struct {
	Backend coord.Backend
	// Expire ends a session as if its timeout elapsed.
	Expire func(t *testing.T, sessionID string)
}

// Run executes the conformance suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"CreateGetSetDelete", testCreateGetSetDelete},
		{"CreateExisting", testCreateExisting},
		{"MissingNode", testMissingNode},
		{"ConditionalWrites", testConditionalWrites},
		{"DeleteRequiresEmpty", testDeleteRequiresEmpty},
		{"ChildrenInCreationOrder", testChildrenInCreationOrder},
		{"EphemeralReleasedOnClose", testEphemeralReleasedOnClose},
		{"EphemeralReleasedOnExpiry", testEphemeralReleasedOnExpiry},
		{"EphemeralCannotParent", testEphemeralCannotParent},
		{"ClosedConn", testClosedConn},
		{"ExclusiveCreate", testExclusiveCreate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			t.Cleanup(func() { _ = h.Backend.Close() })
			tc.fn(t, h)
		})
	}
}

func connect(t *testing.T, h Harness) coord.Conn {
	t.Helper()
	conn, err := h.Backend.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testCreateGetSetDelete(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)

	stat, err := conn.Create(ctx, "/root/jobs/a", []byte("one"), coord.Persistent)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if stat.Version != 0 || stat.Owner != "" {
		t.Fatalf("unexpected create stat: %+v", stat)
	}
	parent, err := conn.Get(ctx, "/root/jobs")
	if err != nil {
		t.Fatalf("expected implicit parent: %v", err)
	}
	if parent.Stat.Seq >= stat.Seq {
		t.Fatalf("parent seq %d should precede child seq %d", parent.Stat.Seq, stat.Seq)
	}

	node, err := conn.Get(ctx, "/root/jobs/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(node.Data) != "one" || node.Stat.Version != 0 {
		t.Fatalf("unexpected node: %+v", node)
	}

	updated, err := conn.Set(ctx, "/root/jobs/a", []byte("two"), node.Stat.Version)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if updated.Version != 1 || updated.Seq != stat.Seq {
		t.Fatalf("unexpected set stat: %+v", updated)
	}
	node, err = conn.Get(ctx, "/root/jobs/a")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if string(node.Data) != "two" || node.Stat.Version != 1 {
		t.Fatalf("unexpected node after set: %+v", node)
	}

	if err := conn.Delete(ctx, "/root/jobs/a", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := conn.Get(ctx, "/root/jobs/a"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode after delete, got %v", err)
	}
}

func testCreateExisting(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	if _, err := conn.Create(ctx, "/root/a", nil, coord.Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Create(ctx, "/root/a", nil, coord.Ephemeral); !errors.Is(err, coord.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if _, err := conn.Create(ctx, "relative", nil, coord.Persistent); !errors.Is(err, coord.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func testMissingNode(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	if _, err := conn.Get(ctx, "/nope"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("get: expected ErrNoNode, got %v", err)
	}
	if _, err := conn.Set(ctx, "/nope", nil, coord.AnyVersion); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("set: expected ErrNoNode, got %v", err)
	}
	if err := conn.Delete(ctx, "/nope", coord.AnyVersion); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("delete: expected ErrNoNode, got %v", err)
	}
	if _, err := conn.Children(ctx, "/nope"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("children: expected ErrNoNode, got %v", err)
	}
}

func testConditionalWrites(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	if _, err := conn.Create(ctx, "/root/a", []byte("v0"), coord.Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Set(ctx, "/root/a", []byte("v1"), 0); err != nil {
		t.Fatalf("set v0: %v", err)
	}
	if _, err := conn.Set(ctx, "/root/a", []byte("stale"), 0); !errors.Is(err, coord.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion for stale write, got %v", err)
	}
	if err := conn.Delete(ctx, "/root/a", 0); !errors.Is(err, coord.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion for stale delete, got %v", err)
	}
	if _, err := conn.Set(ctx, "/root/a", []byte("v2"), coord.AnyVersion); err != nil {
		t.Fatalf("unconditional set: %v", err)
	}
	node, err := conn.Get(ctx, "/root/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(node.Data) != "v2" || node.Stat.Version != 2 {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func testDeleteRequiresEmpty(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	if _, err := conn.Create(ctx, "/root/a/b", nil, coord.Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Delete(ctx, "/root/a", coord.AnyVersion); !errors.Is(err, coord.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := conn.Delete(ctx, "/root/a/b", coord.AnyVersion); err != nil {
		t.Fatalf("delete child: %v", err)
	}
	if err := conn.Delete(ctx, "/root/a", coord.AnyVersion); err != nil {
		t.Fatalf("delete parent: %v", err)
	}
}

func testChildrenInCreationOrder(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	for _, name := range []string{"c", "a", "b"} {
		if _, err := conn.Create(ctx, "/root/items/"+name, nil, coord.Persistent); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if _, err := conn.Create(ctx, "/root/items/a/nested", nil, coord.Persistent); err != nil {
		t.Fatalf("create nested: %v", err)
	}
	got, err := conn.Children(ctx, "/root/items")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if want := []string{"c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected children: got %v want %v", got, want)
	}
}

func testEphemeralReleasedOnClose(t *testing.T, h Harness) {
	ctx := context.Background()
	owner := connect(t, h)
	observer := connect(t, h)

	stat, err := owner.Create(ctx, "/root/locks/a", []byte("token"), coord.Ephemeral)
	if err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}
	if stat.Owner != owner.SessionID() {
		t.Fatalf("expected owner %s, got %q", owner.SessionID(), stat.Owner)
	}
	node, err := observer.Get(ctx, "/root/locks/a")
	if err != nil {
		t.Fatalf("observer get: %v", err)
	}
	if !node.Ephemeral() || node.Stat.Owner != owner.SessionID() {
		t.Fatalf("unexpected lock node: %+v", node)
	}

	if err := owner.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := observer.Get(ctx, "/root/locks/a"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected lock released on close, got %v", err)
	}
	if _, err := observer.Get(ctx, "/root/locks"); err != nil {
		t.Fatalf("persistent parent should survive: %v", err)
	}
}

func testEphemeralReleasedOnExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	owner := connect(t, h)
	observer := connect(t, h)

	if _, err := owner.Create(ctx, "/root/locks/a", nil, coord.Ephemeral); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}
	h.Expire(t, owner.SessionID())

	if _, err := observer.Get(ctx, "/root/locks/a"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected lock released on expiry, got %v", err)
	}
	if _, err := owner.Get(ctx, "/root/locks"); !errors.Is(err, coord.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired on expired conn, got %v", err)
	}
	if _, err := observer.Create(ctx, "/root/locks/a", nil, coord.Ephemeral); err != nil {
		t.Fatalf("expected lock to be acquirable by another session: %v", err)
	}
}

func testEphemeralCannotParent(t *testing.T, h Harness) {
	ctx := context.Background()
	conn := connect(t, h)
	if _, err := conn.Create(ctx, "/root/lock", nil, coord.Ephemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Create(ctx, "/root/lock/child", nil, coord.Persistent); !errors.Is(err, coord.ErrEphemeralParent) {
		t.Fatalf("expected ErrEphemeralParent, got %v", err)
	}
}

func testClosedConn(t *testing.T, h Harness) {
	conn := connect(t, h)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := conn.Get(context.Background(), "/root"); !errors.Is(err, coord.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func testExclusiveCreate(t *testing.T, h Harness) {
	ctx := context.Background()
	const contenders = 8
	conns := make([]coord.Conn, contenders)
	for i := range conns {
		conns[i] = connect(t, h)
	}
	if _, err := conns[0].Create(ctx, "/root/locks", nil, coord.Persistent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn coord.Conn) {
			defer wg.Done()
			_, err := conn.Create(ctx, "/root/locks/item", nil, coord.Ephemeral)
			if err == nil {
				mu.Lock()
				winners = append(winners, conn.SessionID())
				mu.Unlock()
				return
			}
			if !errors.Is(err, coord.ErrNodeExists) {
				t.Errorf("unexpected create error: %v", err)
			}
		}(conn)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one lock holder, got %v", winners)
	}
}
