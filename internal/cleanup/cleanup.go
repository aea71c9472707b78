package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/metrics"
	"accession/internal/queue"
	"accession/internal/workflow"
)

// Name is the daemon name the cleaner reports under.
const Name = "cleanup"

const defaultInterval = 10 * time.Minute

// Options tunes retention.
type Options struct {
	Interval time.Duration
	// CompletedRetention is how long completed entities are kept.
	CompletedRetention time.Duration
	// FailedGrace is how long failed entities are kept for operator review.
	FailedGrace time.Duration
	Clock       func() time.Time
	Metrics     *metrics.Collector
}

// FromConfig converts the [cleanup] section, given in seconds.
func FromConfig(c config.Cleanup) Options {
	return Options{
		Interval:           time.Duration(c.Interval) * time.Second,
		CompletedRetention: time.Duration(c.CompletedRetention) * time.Second,
		FailedGrace:        time.Duration(c.FailedGrace) * time.Second,
	}
}

// Result counts what one pass removed.
type Result struct {
	Jobs    int `json:"jobs"`
	Orphans int `json:"orphans"`
	Batches int `json:"batches"`
	Skipped int `json:"skipped"`
}

// Total is the number of removed entities.
func (r Result) Total() int {
	return r.Jobs + r.Orphans + r.Batches
}

// Cleaner is the cleanup daemon.
type Cleaner struct {
	store   *queue.Store
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	state    workflow.State
	counters map[string]int64
	lastErr  string
	lastRun  time.Time
}

// New builds a cleaner over store.
func New(store *queue.Store, opts Options, logger *slog.Logger) *Cleaner {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Cleaner{
		store:    store,
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, Name).With(logging.String(logging.FieldDaemon, Name)),
		metrics:  opts.Metrics,
		state:    workflow.StateIdle,
		counters: make(map[string]int64),
	}
}

// Name identifies the daemon.
func (c *Cleaner) Name() string { return Name }

// Run cleans once immediately and then every interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) error {
	c.logger.Info("cleanup daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.Duration("interval", c.opts.Interval),
		logging.Duration("completed_retention", c.opts.CompletedRetention),
		logging.Duration("failed_grace", c.opts.FailedGrace),
	)
	defer c.setState(workflow.StateStopped)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
			return nil
		case <-timer.C:
		}
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(c.logger, "cleanup pass failed", "cleanup_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "terminal entities remain until the next pass"),
				logging.String(logging.FieldErrorHint, "check coordination store health"),
			)
		}
		timer.Reset(c.opts.Interval)
	}
}

// RunOnce performs a single pass. Races with other processes (an entity
// already removed, locked, or changed) are skipped without error.
func (c *Cleaner) RunOnce(ctx context.Context) (Result, error) {
	c.setState(workflow.StatePolling)
	defer c.setState(workflow.StateIdle)

	result, err := c.pass(ctx)
	c.record(result, err)
	if err != nil {
		return result, err
	}
	if result.Total() > 0 {
		c.logger.Info("cleanup pass removed entities",
			logging.String(logging.FieldEventType, "cleanup_pass"),
			logging.Int("jobs", result.Jobs),
			logging.Int("orphans", result.Orphans),
			logging.Int("batches", result.Batches),
			logging.Int("skipped", result.Skipped),
		)
	}
	c.snapshot(ctx)
	return result, nil
}

func (c *Cleaner) pass(ctx context.Context) (Result, error) {
	var result Result
	now := c.opts.Clock()

	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return result, fmt.Errorf("list batches: %w", err)
	}
	batchState := make(map[string]queue.State, len(batches))
	for _, b := range batches {
		batchState[b.ID] = b.State
	}

	jobs, err := c.store.ListJobs(ctx, queue.StateCompleted, queue.StateFailed, queue.StateDeleted)
	if err != nil {
		return result, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		parent, hasParent := batchState[job.BatchID]
		orphan := job.BatchID != "" && !hasParent
		switch {
		case orphan:
		case hasParent && !parent.IsTerminal():
			// The live batch still needs this child for its report.
			continue
		case !c.expired(job.State, job.UpdatedAt, now):
			continue
		}
		removed, err := c.remove(ctx, queue.KindJob, job.ID, now, orphan)
		if err != nil {
			return result, err
		}
		switch {
		case !removed:
			result.Skipped++
		case orphan:
			result.Orphans++
		default:
			result.Jobs++
		}
	}

	for _, batch := range batches {
		if !batch.State.IsTerminal() || !c.expired(batch.State, batch.UpdatedAt, now) {
			continue
		}
		children, err := c.store.JobsForBatch(ctx, batch)
		if err != nil {
			return result, fmt.Errorf("load children of %s: %w", batch.ID, err)
		}
		if len(children) > 0 {
			continue
		}
		removed, err := c.remove(ctx, queue.KindBatch, batch.ID, now, false)
		if err != nil {
			return result, err
		}
		if removed {
			result.Batches++
		} else {
			result.Skipped++
		}
	}

	c.metrics.Cleaned(string(queue.KindJob), result.Jobs+result.Orphans)
	c.metrics.Cleaned(string(queue.KindBatch), result.Batches)
	return result, nil
}

// expired reports whether a terminal entity is past its retention.
func (c *Cleaner) expired(state queue.State, updated, now time.Time) bool {
	switch state {
	case queue.StateDeleted:
		return true
	case queue.StateCompleted:
		return now.Sub(updated) >= c.opts.CompletedRetention
	case queue.StateFailed:
		return now.Sub(updated) >= c.opts.FailedGrace
	default:
		return false
	}
}

// remove deletes one entity under its lock after re-checking it is still
// removable. It returns false when another process got there first.
func (c *Cleaner) remove(ctx context.Context, kind queue.Kind, id string, now time.Time, orphan bool) (bool, error) {
	claim, err := c.store.Lock(ctx, kind, id)
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrLocked):
		return false, nil
	case err != nil:
		return false, err
	}

	state, updated := claim.State(), updatedAt(claim)
	if !state.IsTerminal() || (!orphan && !c.expired(state, updated, now)) {
		_ = claim.Release(ctx)
		return false, nil
	}
	if err := claim.Remove(ctx); err != nil {
		if errors.Is(err, queue.ErrLockLost) {
			return false, nil
		}
		return false, err
	}
	c.logger.Debug("entity removed",
		logging.String(logging.FieldItemID, id),
		logging.String("kind", string(kind)),
		logging.String("state", string(state)),
		logging.Bool("orphan", orphan),
		logging.String(logging.FieldEventType, "entity_removed"),
	)
	return true, nil
}

func updatedAt(claim *queue.Claim) time.Time {
	if job := claim.Job(); job != nil {
		return job.UpdatedAt
	}
	if batch := claim.Batch(); batch != nil {
		return batch.UpdatedAt
	}
	return time.Time{}
}

// snapshot publishes per-state counts; failures only cost a stale gauge.
func (c *Cleaner) snapshot(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Debug("queue snapshot failed", logging.Error(err))
		return
	}
	c.metrics.QueueSnapshot(string(queue.KindJob), stateCounts(stats.Jobs))
	c.metrics.QueueSnapshot(string(queue.KindBatch), stateCounts(stats.Batches))
}

func stateCounts(in map[queue.State]int) map[string]int {
	out := make(map[string]int, len(in))
	for state, n := range in {
		out[string(state)] = n
	}
	return out
}

func (c *Cleaner) setState(state workflow.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == workflow.StateStopped {
		return
	}
	c.state = state
}

func (c *Cleaner) record(result Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters["runs"]++
	c.counters["jobs_removed"] += int64(result.Jobs)
	c.counters["orphans_removed"] += int64(result.Orphans)
	c.counters["batches_removed"] += int64(result.Batches)
	c.counters["skipped"] += int64(result.Skipped)
	c.lastRun = c.opts.Clock()
	if err != nil {
		c.counters["errors"]++
		c.lastErr = err.Error()
	}
}

// Status snapshots the daemon.
func (c *Cleaner) Status(context.Context) workflow.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	return workflow.Status{
		Name:         Name,
		Target:       "terminal entities",
		State:        c.state,
		Counters:     counters,
		LastError:    c.lastErr,
		LastActivity: c.lastRun,
	}
}
