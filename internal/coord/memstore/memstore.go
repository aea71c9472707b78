// Package memstore is a process-local coordination store.
//
// It implements the full coord contract, including session expiry and
// ephemeral node cleanup, and adds hooks tests use to simulate crashes,
// expired sessions, and lost replies.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"accession/internal/coord"
)

// Call describes a store operation seen by a fault hook.
type Call struct {
	Op      string
	Path    string
	Session string
	// N counts operations issued on the session, starting at 1.
	N int64
}

// FaultFunc can inject failures. It runs with the store locked and must not
// call back into the store. Returning nil lets the operation proceed.
// Returning coord.ErrSessionExpired expires the calling session first.
// Wrapping an error with AfterApply applies the operation and then reports
// the error, modelling a reply lost after the store committed.
type FaultFunc func(Call) error

type appliedFault struct{ err error }

func (a appliedFault) Error() string { return a.err.Error() }
func (a appliedFault) Unwrap() error { return a.err }

// AfterApply marks err to be returned after the operation commits.
func AfterApply(err error) error {
	return appliedFault{err: err}
}

// Options configures a Store.
type Options struct {
	// SessionTimeout is how long a session survives without activity. Zero
	// disables time-based expiry.
	SessionTimeout time.Duration
	// Keepalive, when positive, touches each open session on this interval.
	Keepalive time.Duration
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Store is an in-memory coordination store.
type Store struct {
	mu       sync.Mutex
	opts     Options
	nodes    map[string]*node
	sessions map[string]*sessionState
	seq      int64
	fault    FaultFunc
	closed   bool
}

type node struct {
	data []byte
	stat coord.Stat
}

type sessionState struct {
	id       string
	lastSeen time.Time
	calls    int64
	expired  bool
	frozen   bool
	closed   bool
}

// New constructs an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		opts:     opts,
		nodes:    make(map[string]*node),
		sessions: make(map[string]*sessionState),
	}
}

// SetFault installs or clears the fault hook.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Connect opens a new session.
func (s *Store) Connect(ctx context.Context) (coord.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	now := s.opts.Clock()
	s.reapLocked(now)
	state := &sessionState{id: uuid.NewString(), lastSeen: now}
	s.sessions[state.id] = state
	c := &conn{store: s, session: state, done: make(chan struct{})}
	if s.opts.Keepalive > 0 {
		go c.keepalive(s.opts.Keepalive)
	}
	return c, nil
}

// Close shuts the store down; open sessions observe ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id := range s.sessions {
		s.expireLocked(id)
	}
	return nil
}

// ExpireSession ends a session as if its timeout elapsed.
func (s *Store) ExpireSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(id)
}

// Freeze stops a session from heartbeating without ending it, modelling a
// crashed process whose session has not timed out yet.
func (s *Store) Freeze(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[id]; ok {
		state.frozen = true
	}
}

// Reap expires every session idle past the timeout at the current clock.
func (s *Store) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(s.opts.Clock())
}

// Sessions returns the IDs of live sessions.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id, state := range s.sessions {
		if !state.expired {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Dump returns a copy of every node keyed by path.
func (s *Store) Dump() map[string]coord.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]coord.Node, len(s.nodes))
	for p, n := range s.nodes {
		out[p] = coord.Node{Path: p, Data: append([]byte(nil), n.data...), Stat: n.stat}
	}
	return out
}

func (s *Store) expireLocked(id string) {
	state, ok := s.sessions[id]
	if !ok {
		return
	}
	state.expired = true
	delete(s.sessions, id)
	for p, n := range s.nodes {
		if n.stat.Owner == id {
			delete(s.nodes, p)
		}
	}
}

func (s *Store) reapLocked(now time.Time) {
	if s.opts.SessionTimeout <= 0 {
		return
	}
	for id, state := range s.sessions {
		if now.Sub(state.lastSeen) > s.opts.SessionTimeout {
			s.expireLocked(id)
		}
	}
}

// begin validates the session and runs the fault hook. A non-nil fault must be
// reported after the operation commits.
func (s *Store) begin(ctx context.Context, state *sessionState, op, p string) (*appliedFault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || state.closed {
		return nil, coord.ErrClosed
	}
	now := s.opts.Clock()
	if !state.expired && s.opts.SessionTimeout > 0 && now.Sub(state.lastSeen) > s.opts.SessionTimeout {
		s.expireLocked(state.id)
	}
	if state.expired {
		return nil, coord.ErrSessionExpired
	}
	state.calls++
	if s.fault != nil {
		if err := s.fault(Call{Op: op, Path: p, Session: state.id, N: state.calls}); err != nil {
			var applied appliedFault
			if errors.As(err, &applied) {
				state.lastSeen = now
				s.reapLocked(now)
				return &applied, nil
			}
			if errors.Is(err, coord.ErrSessionExpired) {
				s.expireLocked(state.id)
			}
			return nil, err
		}
	}
	state.lastSeen = now
	s.reapLocked(now)
	return nil, nil
}

func (s *Store) createLocked(state *sessionState, p string, data []byte, mode coord.CreateMode) (coord.Stat, error) {
	if err := coord.ValidatePath(p); err != nil {
		return coord.Stat{}, err
	}
	if _, ok := s.nodes[p]; ok {
		return coord.Stat{}, coord.ErrNodeExists
	}
	now := s.opts.Clock()
	for _, dir := range coord.Ancestors(p) {
		existing, ok := s.nodes[dir]
		if ok {
			if existing.stat.Owner != "" {
				return coord.Stat{}, coord.ErrEphemeralParent
			}
			continue
		}
		s.seq++
		s.nodes[dir] = &node{stat: coord.Stat{Seq: s.seq, Created: now, Modified: now}}
	}
	s.seq++
	stat := coord.Stat{Seq: s.seq, Created: now, Modified: now}
	if mode == coord.Ephemeral {
		stat.Owner = state.id
	}
	s.nodes[p] = &node{data: append([]byte(nil), data...), stat: stat}
	return stat, nil
}

func (s *Store) childrenLocked(p string) []string {
	prefix := p + "/"
	type child struct {
		name string
		seq  int64
	}
	var kids []child
	for candidate, n := range s.nodes {
		rest, ok := strings.CutPrefix(candidate, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		kids = append(kids, child{name: rest, seq: n.stat.Seq})
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].seq < kids[j].seq })
	out := make([]string, len(kids))
	for i, k := range kids {
		out[i] = k.name
	}
	return out
}

type conn struct {
	store   *Store
	session *sessionState
	once    sync.Once
	done    chan struct{}
}

func (c *conn) SessionID() string { return c.session.id }

func (c *conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.store.mu.Lock()
			if c.session.expired {
				c.store.mu.Unlock()
				return
			}
			if !c.session.frozen {
				c.session.lastSeen = c.store.opts.Clock()
			}
			c.store.mu.Unlock()
		}
	}
}

func (c *conn) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (coord.Stat, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	after, err := s.begin(ctx, c.session, "create", p)
	if err != nil {
		return coord.Stat{}, err
	}
	stat, err := s.createLocked(c.session, p, data, mode)
	if err != nil {
		return coord.Stat{}, err
	}
	if after != nil {
		return coord.Stat{}, after.err
	}
	return stat, nil
}

func (c *conn) Get(ctx context.Context, p string) (coord.Node, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	after, err := s.begin(ctx, c.session, "get", p)
	if err != nil {
		return coord.Node{}, err
	}
	if after != nil {
		return coord.Node{}, after.err
	}
	n, ok := s.nodes[p]
	if !ok {
		return coord.Node{}, coord.ErrNoNode
	}
	return coord.Node{Path: p, Data: append([]byte(nil), n.data...), Stat: n.stat}, nil
}

func (c *conn) Set(ctx context.Context, p string, data []byte, version int64) (coord.Stat, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	after, err := s.begin(ctx, c.session, "set", p)
	if err != nil {
		return coord.Stat{}, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return coord.Stat{}, coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.stat.Version {
		return coord.Stat{}, coord.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Modified = s.opts.Clock()
	if after != nil {
		return coord.Stat{}, after.err
	}
	return n.stat, nil
}

func (c *conn) Delete(ctx context.Context, p string, version int64) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	after, err := s.begin(ctx, c.session, "delete", p)
	if err != nil {
		return err
	}
	n, ok := s.nodes[p]
	if !ok {
		return coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.stat.Version {
		return coord.ErrBadVersion
	}
	if len(s.childrenLocked(p)) > 0 {
		return coord.ErrNotEmpty
	}
	delete(s.nodes, p)
	if after != nil {
		return after.err
	}
	return nil
}

func (c *conn) Children(ctx context.Context, p string) ([]string, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	after, err := s.begin(ctx, c.session, "children", p)
	if err != nil {
		return nil, err
	}
	if after != nil {
		return nil, after.err
	}
	if _, ok := s.nodes[p]; !ok {
		return nil, coord.ErrNoNode
	}
	return s.childrenLocked(p), nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.store.mu.Lock()
		c.session.closed = true
		c.store.expireLocked(c.session.id)
		c.store.mu.Unlock()
	})
	return nil
}
