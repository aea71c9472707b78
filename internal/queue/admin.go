package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accession/internal/coord"
	"accession/internal/logging"
)

// Requeue sends a failed or held entity back to the start of its retry path
// (pending for jobs, processing for batches) and clears its message.
func (s *Store) Requeue(ctx context.Context, kind Kind, id string) error {
	claim, err := s.Lock(ctx, kind, id)
	if err != nil {
		return err
	}
	defer s.release(ctx, claim)
	from := claim.State()
	if from != StateFailed && from != StateHeld {
		return fmt.Errorf("%w: %s %s is %s; only failed or held items can be requeued", ErrInvalidTransition, kind, id, from)
	}
	to := RequeueState(kind)
	claim.setState(to, "", s.now())
	if kind == KindBatch {
		claim.batch.HasFailure = false
		claim.batch.Report = nil
	}
	if err := claim.write(ctx); err != nil {
		return err
	}
	s.logger.Info("item requeued",
		logging.String(logging.FieldItemID, id),
		logging.String("kind", string(kind)),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.String(logging.FieldEventType, "item_requeued"),
	)
	return nil
}

// Delete marks an entity deleted. Deleting a deleted entity is a no-op.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	claim, err := s.Lock(ctx, kind, id)
	if err != nil {
		return err
	}
	defer s.release(ctx, claim)
	from := claim.State()
	if from == StateDeleted {
		return nil
	}
	claim.setState(StateDeleted, "deleted by operator", s.now())
	if err := claim.write(ctx); err != nil {
		return err
	}
	s.logger.Info("item deleted",
		logging.String(logging.FieldItemID, id),
		logging.String("kind", string(kind)),
		logging.String("from", string(from)),
		logging.String(logging.FieldEventType, "item_deleted"),
	)
	return nil
}

func (s *Store) release(ctx context.Context, claim *Claim) {
	if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
		logging.WarnWithContext(s.logger, "lock release failed", "lock_release_failed",
			logging.String(logging.FieldItemID, claim.ID()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "lock remains until the session ends"),
		)
	}
}

// Stats counts entities by state plus raised holds and live locks.
type Stats struct {
	Jobs    map[State]int `json:"jobs"`
	Batches map[State]int `json:"batches"`
	Locks   int           `json:"locks"`
	Holds   int           `json:"holds"`
}

// Stats summarises the queue.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Jobs: make(map[State]int), Batches: make(map[State]int)}
	jobs, err := s.list(ctx, KindJob)
	if err != nil {
		return stats, err
	}
	for _, rec := range jobs {
		stats.Jobs[rec.state]++
	}
	batches, err := s.list(ctx, KindBatch)
	if err != nil {
		return stats, err
	}
	for _, rec := range batches {
		stats.Batches[rec.state]++
	}
	locks, err := s.Locks(ctx)
	if err != nil {
		return stats, err
	}
	stats.Locks = len(locks)
	holds, err := s.ListHolds(ctx)
	if err != nil {
		return stats, err
	}
	stats.Holds = len(holds)
	return stats, nil
}

// LockInfo describes a live lock node.
type LockInfo struct {
	Kind    Kind      `json:"kind"`
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Token   LockToken `json:"token"`
	Created time.Time `json:"created"`
}

// Locks lists live locks on batches and jobs.
func (s *Store) Locks(ctx context.Context) ([]LockInfo, error) {
	var locks []LockInfo
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		locks = locks[:0]
		for _, kind := range []Kind{KindBatch, KindJob} {
			names, err := conn.Children(ctx, s.layout.locks(kind))
			if errors.Is(err, coord.ErrNoNode) {
				continue
			}
			if err != nil {
				return err
			}
			for _, name := range names {
				node, err := conn.Get(ctx, s.layout.Lock(kind, name))
				if errors.Is(err, coord.ErrNoNode) {
					continue
				}
				if err != nil {
					return err
				}
				token, _ := decodeToken(node)
				locks = append(locks, LockInfo{
					Kind:    kind,
					ID:      name,
					Owner:   node.Stat.Owner,
					Token:   token,
					Created: node.Stat.Created,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}
