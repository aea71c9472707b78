package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/rs/xid"

	"accession/internal/coord"
	"accession/internal/logging"
)

// Runner executes store operations with session recovery.
// *session.Manager satisfies it.
type Runner interface {
	Do(ctx context.Context, op func(ctx context.Context, conn coord.Conn) error) error
	SessionID() string
}

// Options configures a Store.
type Options struct {
	Layout   Layout
	Identity string
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Store reads and mutates entities through a Runner.
type Store struct {
	runner   Runner
	layout   Layout
	identity string
	host     string
	logger   *slog.Logger
	clock    func() time.Time
}

// NewStore wraps runner. A zero Layout defaults to root "/accession".
func NewStore(runner Runner, opts Options) *Store {
	if opts.Layout.Root == "" {
		opts.Layout = NewLayout("/accession")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	host, _ := os.Hostname()
	identity := opts.Identity
	if identity == "" {
		identity = host
	}
	return &Store{
		runner:   runner,
		layout:   opts.Layout,
		identity: identity,
		host:     host,
		logger:   logging.NewComponentLogger(opts.Logger, "queue"),
		clock:    opts.Clock,
	}
}

// Layout exposes the store paths.
func (s *Store) Layout() Layout {
	return s.layout
}

// Identity is the daemon identity recorded on locks and history.
func (s *Store) Identity() string {
	return s.identity
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// record is the kind-agnostic view the acquisition scan works on.
type record struct {
	kind       Kind
	id         string
	state      State
	heldFrom   State
	priority   int
	collection string
	seq        int64
	version    int64
	job        *Job
	batch      *Batch
}

func decodeRecord(kind Kind, node coord.Node) (record, error) {
	rec := record{kind: kind, id: coord.Base(node.Path), seq: node.Stat.Seq, version: node.Stat.Version}
	switch kind {
	case KindBatch:
		var batch Batch
		if err := json.Unmarshal(node.Data, &batch); err != nil {
			return record{}, fmt.Errorf("decode batch %s: %w", rec.id, err)
		}
		batch.Seq, batch.Version = node.Stat.Seq, node.Stat.Version
		rec.batch = &batch
		rec.state, rec.priority, rec.collection = batch.State, batch.Priority, batch.Payload.Collection
	default:
		var job Job
		if err := json.Unmarshal(node.Data, &job); err != nil {
			return record{}, fmt.Errorf("decode job %s: %w", rec.id, err)
		}
		job.Seq, job.Version = node.Stat.Seq, node.Stat.Version
		rec.job = &job
		rec.state, rec.heldFrom, rec.priority, rec.collection = job.State, job.HeldFrom, job.Priority, job.Config.Collection
	}
	return rec, nil
}

func encodeEntity(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return data, nil
}

// SubmitBatch validates a submission and stores it as a new batch.
func (s *Store) SubmitBatch(ctx context.Context, submission Submission) (*Batch, error) {
	if err := submission.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	batch := &Batch{
		ID:        xid.New().String(),
		State:     StateSubmitted,
		Priority:  submission.Priority,
		Payload:   submission,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []StateChange{{State: StateSubmitted, At: now, By: s.identity}},
	}
	data, err := encodeEntity(batch)
	if err != nil {
		return nil, err
	}
	err = s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		stat, err := conn.Create(ctx, s.layout.Entity(KindBatch, batch.ID), data, coord.Persistent)
		if errors.Is(err, coord.ErrNodeExists) {
			// A retried create whose first reply was lost.
			node, getErr := conn.Get(ctx, s.layout.Entity(KindBatch, batch.ID))
			if getErr != nil {
				return getErr
			}
			stat = node.Stat
			err = nil
		}
		if err != nil {
			return err
		}
		batch.Seq, batch.Version = stat.Seq, stat.Version
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	s.logger.Info("batch submitted",
		logging.String(logging.FieldItemID, batch.ID),
		logging.Int("items", len(submission.Items)),
		logging.Int("priority", batch.Priority),
		logging.String(logging.FieldEventType, "batch_submitted"),
	)
	return batch, nil
}

// CreateJob stores a new job. It returns ErrExists when the ID is taken.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.State == "" {
		job.State = StatePending
	}
	data, err := encodeEntity(job)
	if err != nil {
		return err
	}
	err = s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		stat, err := conn.Create(ctx, s.layout.Entity(KindJob, job.ID), data, coord.Persistent)
		if err != nil {
			return err
		}
		job.Seq, job.Version = stat.Seq, stat.Version
		return nil
	})
	if errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("%w: job %s", ErrExists, job.ID)
	}
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, kind Kind, id string) (record, error) {
	var rec record
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		node, err := conn.Get(ctx, s.layout.Entity(kind, id))
		if err != nil {
			return err
		}
		rec, err = decodeRecord(kind, node)
		return err
	})
	if errors.Is(err, coord.ErrNoNode) {
		return record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return rec, err
}

// GetJob reads a job.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	rec, err := s.get(ctx, KindJob, id)
	if err != nil {
		return nil, err
	}
	return rec.job, nil
}

// GetBatch reads a batch.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	rec, err := s.get(ctx, KindBatch, id)
	if err != nil {
		return nil, err
	}
	return rec.batch, nil
}

// list reads every entity of kind. Entities removed mid-scan are skipped.
func (s *Store) list(ctx context.Context, kind Kind) ([]record, error) {
	var records []record
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		records = records[:0]
		names, err := conn.Children(ctx, s.layout.entities(kind))
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, name := range names {
			node, err := conn.Get(ctx, s.layout.Entity(kind, name))
			if errors.Is(err, coord.ErrNoNode) {
				continue
			}
			if err != nil {
				return err
			}
			rec, err := decodeRecord(kind, node)
			if err != nil {
				logging.WarnWithContext(s.logger, "skipping undecodable entity", "entity_decode_failed",
					logging.String(logging.FieldItemID, name),
					logging.Error(err),
					logging.String(logging.FieldImpact, "item is invisible to daemons"),
					logging.String(logging.FieldErrorHint, "inspect or delete the node with accession queue delete"),
				)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %ss: %w", kind, err)
	}
	return records, nil
}

// ListJobs returns jobs in creation order, optionally filtered by state.
func (s *Store) ListJobs(ctx context.Context, states ...State) ([]*Job, error) {
	records, err := s.list(ctx, KindJob)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(records))
	for _, rec := range records {
		if matchesState(rec.state, states) {
			out = append(out, rec.job)
		}
	}
	return out, nil
}

// ListBatches returns batches in creation order, optionally filtered by state.
func (s *Store) ListBatches(ctx context.Context, states ...State) ([]*Batch, error) {
	records, err := s.list(ctx, KindBatch)
	if err != nil {
		return nil, err
	}
	out := make([]*Batch, 0, len(records))
	for _, rec := range records {
		if matchesState(rec.state, states) {
			out = append(out, rec.batch)
		}
	}
	return out, nil
}

// JobsForBatch returns the batch's recorded children that still exist.
func (s *Store) JobsForBatch(ctx context.Context, batch *Batch) ([]*Job, error) {
	jobs := make([]*Job, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func matchesState(state State, filter []State) bool {
	if len(filter) == 0 {
		return true
	}
	for _, candidate := range filter {
		if candidate == state {
			return true
		}
	}
	return false
}

// sortRecords orders by priority, then creation sequence, then ID.
func sortRecords(records []record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.id < b.id
	})
}
