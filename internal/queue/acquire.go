package queue

import (
	"context"
	"errors"
	"fmt"

	"accession/internal/coord"
	"accession/internal/logging"
)

// Target selects what a consumer acquires.
type Target struct {
	Kind  Kind
	State State
	// MaxPriority, when set, skips candidates with a larger (less urgent)
	// priority value. A high-priority lane is a consumer with a cutoff.
	MaxPriority *int
	// Exclude lists IDs the caller already handled this cycle.
	Exclude map[string]bool
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.State)
}

// Acquire locks the most urgent eligible entity in target.State. It returns
// nil, nil when nothing can be claimed. Candidates locked by others or
// advanced concurrently are skipped silently.
//
// Held jobs whose HeldFrom is the target state are eligible once their
// collection hold is cleared; they are restored to that state when claimed.
func (s *Store) Acquire(ctx context.Context, target Target) (*Claim, error) {
	records, err := s.list(ctx, target.Kind)
	if err != nil {
		return nil, err
	}
	var held map[string]bool
	if target.Kind == KindJob {
		for _, rec := range records {
			if rec.state == StateHeld {
				held, err = s.heldCollections(ctx)
				if err != nil {
					return nil, err
				}
				break
			}
		}
	}

	candidates := records[:0]
	for _, rec := range records {
		if eligible(rec, target, held) {
			candidates = append(candidates, rec)
		}
	}
	sortRecords(candidates)

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claim, err := s.tryClaim(ctx, candidate.id, target)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
	}
	return nil, nil
}

func eligible(rec record, target Target, heldCollections map[string]bool) bool {
	if target.Exclude[rec.id] {
		return false
	}
	if target.MaxPriority != nil && rec.priority > *target.MaxPriority {
		return false
	}
	if rec.state == target.State {
		return true
	}
	if rec.kind != KindJob || rec.state != StateHeld || rec.heldFrom != target.State {
		return false
	}
	return !heldCollections[NormalizeCollection(rec.collection)]
}

// tryClaim locks id and confirms it still matches target under the lock.
func (s *Store) tryClaim(ctx context.Context, id string, target Target) (*Claim, error) {
	token := s.newToken()
	lockPath := s.layout.Lock(target.Kind, id)
	entityPath := s.layout.Entity(target.Kind, id)
	var claim *Claim
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		claim = nil
		placed, err := placeLock(ctx, conn, lockPath, token, s.now())
		if err != nil || !placed {
			return err
		}
		node, err := conn.Get(ctx, entityPath)
		if errors.Is(err, coord.ErrNoNode) {
			return conn.Delete(ctx, lockPath, coord.AnyVersion)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(target.Kind, node)
		if err != nil {
			return errors.Join(err, conn.Delete(ctx, lockPath, coord.AnyVersion))
		}
		// The scan was unlocked; re-check now that no one else can move it.
		if !eligible(rec, target, nil) {
			s.logger.Debug("candidate changed before lock",
				logging.String(logging.FieldItemID, id),
				logging.String("state", string(rec.state)),
				logging.String("target", target.String()),
			)
			return ignoreNoNode(conn.Delete(ctx, lockPath, coord.AnyVersion))
		}
		candidate := newClaim(s, rec, token, conn.SessionID())
		// Attempts is bumped in memory only. It reaches the store with the
		// next write, so deferred claims leave the entity untouched.
		if candidate.job != nil {
			candidate.job.Attempts++
		} else {
			candidate.batch.Attempts++
		}
		if rec.state != StateHeld {
			claim = candidate
			return nil
		}
		candidate.setState(target.State, "", s.now())
		data, err := encodeEntity(candidate.document())
		if err != nil {
			return errors.Join(err, conn.Delete(ctx, lockPath, coord.AnyVersion))
		}
		stat, err := conn.Set(ctx, entityPath, data, rec.version)
		if errors.Is(err, coord.ErrBadVersion) || errors.Is(err, coord.ErrNoNode) {
			return ignoreNoNode(conn.Delete(ctx, lockPath, coord.AnyVersion))
		}
		if err != nil {
			return err
		}
		candidate.setVersion(stat.Version)
		claim = candidate
		return nil
	})
	if err != nil {
		// The lock may have been placed before the failure.
		s.dropLock(context.WithoutCancel(ctx), target.Kind, id, token.Token)
		return nil, fmt.Errorf("claim %s %s: %w", target.Kind, id, err)
	}
	if claim != nil {
		s.logger.Debug("item claimed",
			logging.String(logging.FieldItemID, id),
			logging.String("target", target.String()),
			logging.Int("priority", claim.Priority()),
			logging.String(logging.FieldSessionID, claim.SessionID()),
			logging.String(logging.FieldEventType, "item_claimed"),
		)
	}
	return claim, nil
}

// Lock claims a specific entity regardless of its state, for administrative
// mutations. It fails with ErrLocked when another claim holds it.
func (s *Store) Lock(ctx context.Context, kind Kind, id string) (*Claim, error) {
	token := s.newToken()
	lockPath := s.layout.Lock(kind, id)
	var claim *Claim
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		claim = nil
		node, err := conn.Get(ctx, s.layout.Entity(kind, id))
		if err != nil {
			return err
		}
		placed, err := placeLock(ctx, conn, lockPath, token, s.now())
		if err != nil {
			return err
		}
		if !placed {
			return ErrLocked
		}
		// Re-read under the lock so the version is the one we guard.
		node, err = conn.Get(ctx, s.layout.Entity(kind, id))
		if err != nil {
			return errors.Join(err, ignoreNoNode(conn.Delete(ctx, lockPath, coord.AnyVersion)))
		}
		rec, err := decodeRecord(kind, node)
		if err != nil {
			return errors.Join(err, conn.Delete(ctx, lockPath, coord.AnyVersion))
		}
		claim = newClaim(s, rec, token, conn.SessionID())
		return nil
	})
	if err != nil && !errors.Is(err, ErrLocked) {
		s.dropLock(context.WithoutCancel(ctx), kind, id, token.Token)
	}
	switch {
	case errors.Is(err, coord.ErrNoNode):
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	case errors.Is(err, ErrLocked):
		return nil, fmt.Errorf("%w: %s %s", ErrLocked, kind, id)
	case err != nil:
		return nil, fmt.Errorf("lock %s %s: %w", kind, id, err)
	}
	return claim, nil
}

func ignoreNoNode(err error) error {
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	return err
}

// dropLock best-effort removes a lock carrying token on the current session.
func (s *Store) dropLock(ctx context.Context, kind Kind, id, token string) {
	lockPath := s.layout.Lock(kind, id)
	_ = s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		node, err := conn.Get(ctx, lockPath)
		if err != nil {
			return ignoreNoNode(err)
		}
		if !ownsLock(node, conn.SessionID(), token) {
			return nil
		}
		return ignoreNoNode(conn.Delete(ctx, lockPath, node.Stat.Version))
	})
}
