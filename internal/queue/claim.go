package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"accession/internal/coord"
	"accession/internal/logging"
)

// LockToken is the payload of a lock node. Token distinguishes claims made by
// different workers sharing one session.
type LockToken struct {
	Token      string    `json:"token"`
	Session    string    `json:"session"`
	Identity   string    `json:"identity"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (s *Store) newToken() LockToken {
	return LockToken{
		Token:    uuid.NewString(),
		Identity: s.identity,
		Host:     s.host,
		PID:      os.Getpid(),
	}
}

func decodeToken(node coord.Node) (LockToken, bool) {
	var token LockToken
	if err := json.Unmarshal(node.Data, &token); err != nil || token.Token == "" {
		return LockToken{}, false
	}
	return token, true
}

// placeLock creates the lock node for token under conn's session. It reports
// false when another claim holds the lock. A lock carrying our own token and
// owned by this session counts as placed, which covers a create retried after
// an ambiguous connection loss.
func placeLock(ctx context.Context, conn coord.Conn, path string, token LockToken, now time.Time) (bool, error) {
	token.Session = conn.SessionID()
	token.AcquiredAt = now
	data, err := json.Marshal(token)
	if err != nil {
		return false, fmt.Errorf("encode lock token: %w", err)
	}
	_, err = conn.Create(ctx, path, data, coord.Ephemeral)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, coord.ErrNodeExists) {
		return false, err
	}
	node, err := conn.Get(ctx, path)
	if errors.Is(err, coord.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ownsLock(node, conn.SessionID(), token.Token), nil
}

func ownsLock(node coord.Node, session, token string) bool {
	if node.Stat.Owner != session {
		return false
	}
	held, ok := decodeToken(node)
	return ok && held.Token == token
}

// Claim is an exclusive handle on one locked batch or job. Mutations are
// written only while the lock is still ours and the entity is unchanged since
// it was read; otherwise they fail with ErrLockLost.
type Claim struct {
	store *Store
	kind  Kind
	id    string
	token LockToken

	mu       sync.Mutex
	job      *Job
	batch    *Batch
	version  int64
	session  string
	released bool
}

func newClaim(s *Store, rec record, token LockToken, session string) *Claim {
	return &Claim{
		store:   s,
		kind:    rec.kind,
		id:      rec.id,
		token:   token,
		job:     rec.job,
		batch:   rec.batch,
		version: rec.version,
		session: session,
	}
}

// Kind reports whether the claim holds a batch or a job.
func (c *Claim) Kind() Kind { return c.kind }

// ID is the claimed entity's identifier.
func (c *Claim) ID() string { return c.id }

// Job returns the claimed job, or nil for a batch claim. Processors may modify
// it; changes are persisted by the next write through the claim.
func (c *Claim) Job() *Job { return c.job }

// Batch returns the claimed batch, or nil for a job claim.
func (c *Claim) Batch() *Batch { return c.batch }

// State is the entity's current state.
func (c *Claim) State() State {
	if c.batch != nil {
		return c.batch.State
	}
	return c.job.State
}

// Priority is the entity's current priority.
func (c *Claim) Priority() int {
	if c.batch != nil {
		return c.batch.Priority
	}
	return c.job.Priority
}

// Collection is the collection the entity belongs to, if any.
func (c *Claim) Collection() string {
	if c.batch != nil {
		return c.batch.Payload.Collection
	}
	return c.job.Config.Collection
}

// SessionID is the session the lock is currently bound to.
func (c *Claim) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Token is the lock token identifying this claim.
func (c *Claim) Token() string { return c.token.Token }

// Advance moves the entity to its next pipeline state and clears the message.
func (c *Claim) Advance(ctx context.Context) error {
	next, ok := NextState(c.kind, c.State())
	if !ok {
		return fmt.Errorf("%w: %s %s has no successor to %s", ErrInvalidTransition, c.kind, c.id, c.State())
	}
	return c.Transition(ctx, next, "")
}

// Fail moves the entity to failed with message.
func (c *Claim) Fail(ctx context.Context, message string) error {
	return c.Transition(ctx, StateFailed, message)
}

// Hold parks a job in held, remembering the state it was held from.
func (c *Claim) Hold(ctx context.Context, reason string) error {
	if c.kind != KindJob {
		return fmt.Errorf("%w: only jobs can be held", ErrInvalidTransition)
	}
	from := c.State()
	return c.transition(ctx, StateHeld, reason, func() { c.job.HeldFrom = from })
}

// Transition moves the entity to state when the pipeline allows it.
func (c *Claim) Transition(ctx context.Context, to State, message string) error {
	return c.transition(ctx, to, message, nil)
}

func (c *Claim) transition(ctx context.Context, to State, message string, extra func()) error {
	from := c.State()
	if !CanTransition(c.kind, from, to) {
		return fmt.Errorf("%w: %s %s %s -> %s", ErrInvalidTransition, c.kind, c.id, from, to)
	}
	restore := c.snapshot()
	c.setState(to, message, c.store.now())
	if extra != nil {
		extra()
	}
	if err := c.write(ctx); err != nil {
		// The store still holds the previous document; so must the claim.
		restore()
		return err
	}
	c.store.logger.Debug("state transition",
		logging.String(logging.FieldItemID, c.id),
		logging.String("kind", string(c.kind)),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.String(logging.FieldEventType, "state_transition"),
	)
	return nil
}

func (c *Claim) setState(to State, message string, now time.Time) {
	change := StateChange{State: to, At: now, By: c.store.identity}
	if c.batch != nil {
		c.batch.State = to
		c.batch.Message = message
		c.batch.UpdatedAt = now
		c.batch.History = appendHistory(c.batch.History, change)
		return
	}
	c.job.State = to
	c.job.Message = message
	c.job.UpdatedAt = now
	c.job.HeldFrom = ""
	c.job.History = appendHistory(c.job.History, change)
}

// snapshot captures the entity document and returns a func that puts it back.
func (c *Claim) snapshot() func() {
	if c.batch != nil {
		saved := *c.batch
		return func() { *c.batch = saved }
	}
	saved := *c.job
	return func() { *c.job = saved }
}

// Save persists changes made to the entity without changing its state.
func (c *Claim) Save(ctx context.Context) error {
	now := c.store.now()
	if c.batch != nil {
		c.batch.UpdatedAt = now
	} else {
		c.job.UpdatedAt = now
	}
	return c.write(ctx)
}

func (c *Claim) document() any {
	if c.batch != nil {
		return c.batch
	}
	return c.job
}

func (c *Claim) setVersion(version int64) {
	c.version = version
	if c.batch != nil {
		c.batch.Version = version
	} else {
		c.job.Version = version
	}
}

func (c *Claim) write(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	data, err := encodeEntity(c.document())
	if err != nil {
		return err
	}
	path := c.store.layout.Entity(c.kind, c.id)
	err = c.store.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		if err := c.ensureLock(ctx, conn); err != nil {
			return err
		}
		stat, err := conn.Set(ctx, path, data, c.version)
		if errors.Is(err, coord.ErrBadVersion) {
			// A retried write whose first attempt landed leaves our own bytes
			// one version ahead.
			current, getErr := conn.Get(ctx, path)
			if getErr == nil && current.Stat.Version == c.version+1 && bytes.Equal(current.Data, data) {
				c.setVersion(current.Stat.Version)
				return nil
			}
		}
		if errors.Is(err, coord.ErrBadVersion) || errors.Is(err, coord.ErrNoNode) {
			return fmt.Errorf("%w: %s %s changed underneath the lock", ErrLockLost, c.kind, c.id)
		}
		if err != nil {
			return err
		}
		c.setVersion(stat.Version)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s %s: %w", c.kind, c.id, err)
	}
	return nil
}

// ensureLock verifies the lock is still ours on conn's session. After a
// session was replaced the lock is gone; it is re-created when the entity is
// unchanged since we last wrote it.
func (c *Claim) ensureLock(ctx context.Context, conn coord.Conn) error {
	lockPath := c.store.layout.Lock(c.kind, c.id)
	node, err := conn.Get(ctx, lockPath)
	switch {
	case err == nil:
		if ownsLock(node, conn.SessionID(), c.token.Token) {
			c.session = conn.SessionID()
			return nil
		}
		return fmt.Errorf("%w: %s %s is locked by session %s", ErrLockLost, c.kind, c.id, node.Stat.Owner)
	case !errors.Is(err, coord.ErrNoNode):
		return err
	}

	placed, err := placeLock(ctx, conn, lockPath, c.token, c.store.now())
	if err != nil {
		return err
	}
	if !placed {
		return fmt.Errorf("%w: %s %s was claimed by another session", ErrLockLost, c.kind, c.id)
	}
	entity, err := conn.Get(ctx, c.store.layout.Entity(c.kind, c.id))
	if err == nil && entity.Stat.Version != c.version {
		err = fmt.Errorf("%w: %s %s changed while the lock was lost", ErrLockLost, c.kind, c.id)
	} else if errors.Is(err, coord.ErrNoNode) {
		err = fmt.Errorf("%w: %s %s was removed while the lock was lost", ErrLockLost, c.kind, c.id)
	}
	if err != nil {
		if delErr := conn.Delete(ctx, lockPath, coord.AnyVersion); delErr != nil && !errors.Is(delErr, coord.ErrNoNode) {
			return errors.Join(err, delErr)
		}
		return err
	}
	previous := c.session
	c.session = conn.SessionID()
	c.store.logger.Info("lock re-established after session change",
		logging.String(logging.FieldItemID, c.id),
		logging.String(logging.FieldSessionID, c.session),
		logging.String("previous_session_id", previous),
		logging.String(logging.FieldEventType, "lock_reestablished"),
	)
	return nil
}

// Remove deletes the entity (only if unchanged since read) and then releases
// the lock. A concurrent removal is not an error.
func (c *Claim) Remove(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	path := c.store.layout.Entity(c.kind, c.id)
	err := c.store.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		if err := c.ensureLock(ctx, conn); err != nil {
			if errors.Is(err, ErrLockLost) && isGone(ctx, conn, path) {
				return nil
			}
			return err
		}
		err := conn.Delete(ctx, path, c.version)
		switch {
		case errors.Is(err, coord.ErrNoNode):
			return nil
		case errors.Is(err, coord.ErrBadVersion):
			return fmt.Errorf("%w: %s %s changed before removal", ErrLockLost, c.kind, c.id)
		}
		return err
	})
	c.mu.Unlock()
	if err != nil {
		_ = c.Release(ctx)
		return fmt.Errorf("remove %s %s: %w", c.kind, c.id, err)
	}
	return c.Release(ctx)
}

func isGone(ctx context.Context, conn coord.Conn, path string) bool {
	_, err := conn.Get(ctx, path)
	return errors.Is(err, coord.ErrNoNode)
}

// Release deletes the lock if it is still ours. Releasing twice is a no-op.
func (c *Claim) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	lockPath := c.store.layout.Lock(c.kind, c.id)
	err := c.store.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		node, err := conn.Get(ctx, lockPath)
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ownsLock(node, conn.SessionID(), c.token.Token) {
			return nil
		}
		err = conn.Delete(ctx, lockPath, node.Stat.Version)
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("release %s %s: %w", c.kind, c.id, err)
	}
	return nil
}
