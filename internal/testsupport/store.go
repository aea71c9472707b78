package testsupport

import (
	"context"
	"testing"
	"time"

	"accession/internal/coord/memstore"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/session"
)

// Env bundles an in-memory coordination store with a session and queue.
type Env struct {
	Backend *memstore.Store
	Session *session.Manager
	Queue   *queue.Store
}

// EnvOption customizes NewEnv.
type EnvOption func(*envOptions)

type envOptions struct {
	store    memstore.Options
	identity string
	attempts int
	clock    func() time.Time
}

// WithSessionTimeout enables idle session expiry on the backend.
func WithSessionTimeout(timeout time.Duration) EnvOption {
	return func(o *envOptions) { o.store.SessionTimeout = timeout }
}

// WithClock drives both the backend and the queue from clock.
func WithClock(clock func() time.Time) EnvOption {
	return func(o *envOptions) {
		o.store.Clock = clock
		o.clock = clock
	}
}

// WithIdentity sets the daemon identity recorded on locks.
func WithIdentity(identity string) EnvOption {
	return func(o *envOptions) { o.identity = identity }
}

// NewEnv opens a fresh in-memory store and registers cleanup.
func NewEnv(t testing.TB, opts ...EnvOption) *Env {
	t.Helper()

	o := envOptions{identity: "test-daemon", attempts: 3}
	for _, opt := range opts {
		opt(&o)
	}
	backend := memstore.New(o.store)
	env := &Env{Backend: backend}
	env.Session = env.NewSession(t)
	env.Queue = queue.NewStore(env.Session, queue.Options{Identity: o.identity, Clock: o.clock, Logger: logging.NewNop()})
	t.Cleanup(func() { _ = backend.Close() })
	return env
}

// NewSession opens another session against the same backend, as a second
// daemon process would.
func (e *Env) NewSession(t testing.TB) *session.Manager {
	t.Helper()

	mgr, err := session.New(context.Background(), e.Backend, session.Options{Attempts: 3, Backoff: time.Millisecond, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// NewQueue opens a queue view on its own session.
func (e *Env) NewQueue(t testing.TB, identity string) *queue.Store {
	t.Helper()
	return queue.NewStore(e.NewSession(t), queue.Options{Identity: identity, Logger: logging.NewNop()})
}

// MustCreateJob stores a pending job and returns it.
func MustCreateJob(t testing.TB, store *queue.Store, id string, priority int, collection string) *queue.Job {
	t.Helper()

	now := time.Now().UTC()
	job := &queue.Job{
		ID:        id,
		State:     queue.StatePending,
		Priority:  priority,
		Config:    queue.JobConfig{Profile: "default", Collection: collection, Name: id},
		CreatedAt: now,
		UpdatedAt: now,
		History:   []queue.StateChange{{State: queue.StatePending, At: now}},
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job %s: %v", id, err)
	}
	return job
}

// MustSubmit stores a batch with one item per name.
func MustSubmit(t testing.TB, store *queue.Store, collection string, priority int, names ...string) *queue.Batch {
	t.Helper()

	submission := queue.Submission{Profile: "default", Collection: collection, Priority: priority}
	for _, name := range names {
		submission.Items = append(submission.Items, queue.SubmissionItem{Name: name})
	}
	batch, err := store.SubmitBatch(context.Background(), submission)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	return batch
}
