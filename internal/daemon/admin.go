package daemon

import (
	"context"
	"strings"

	"accession/internal/cleanup"
	"accession/internal/logging"
	"accession/internal/queue"
)

// Submit stores a batch for the batch-start daemon.
func (d *Daemon) Submit(ctx context.Context, submission queue.Submission) (*queue.Batch, error) {
	batch, err := d.store.SubmitBatch(ctx, submission)
	if err != nil {
		return nil, err
	}
	d.logger.Info("batch submitted",
		logging.String(logging.FieldItemID, batch.ID),
		logging.Int("items", len(submission.Items)),
		logging.String(logging.FieldEventType, "batch_submitted"),
	)
	return batch, nil
}

// ListQueue returns batches and jobs of kind, or of both kinds when kind is
// empty, filtered by optional states.
func (d *Daemon) ListQueue(ctx context.Context, kind queue.Kind, states []string) ([]*queue.Job, []*queue.Batch, error) {
	kinds := []queue.Kind{queue.KindBatch, queue.KindJob}
	if kind != "" {
		kinds = []queue.Kind{kind}
	}
	var (
		jobs    []*queue.Job
		batches []*queue.Batch
	)
	for _, k := range kinds {
		filter, err := queue.ParseStates(k, states)
		if err != nil {
			return nil, nil, err
		}
		switch k {
		case queue.KindJob:
			jobs, err = d.store.ListJobs(ctx, filter...)
		case queue.KindBatch:
			batches, err = d.store.ListBatches(ctx, filter...)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return jobs, batches, nil
}

// ShowBatch returns a batch and the jobs it has created.
func (d *Daemon) ShowBatch(ctx context.Context, id string) (*queue.Batch, []*queue.Job, error) {
	batch, err := d.store.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := d.store.JobsForBatch(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	return batch, jobs, nil
}

// ShowJob returns one job.
func (d *Daemon) ShowJob(ctx context.Context, id string) (*queue.Job, error) {
	return d.store.GetJob(ctx, id)
}

// Requeue sends a failed, held, or deleted entity back through its pipeline.
func (d *Daemon) Requeue(ctx context.Context, kind queue.Kind, id string) error {
	if err := d.store.Requeue(ctx, kind, id); err != nil {
		return err
	}
	d.logger.Info("entity requeued",
		logging.String("kind", string(kind)),
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldEventType, "entity_requeued"),
	)
	return nil
}

// Delete marks an entity deleted; the cleaner removes it on its next pass.
func (d *Daemon) Delete(ctx context.Context, kind queue.Kind, id string) error {
	if err := d.store.Delete(ctx, kind, id); err != nil {
		return err
	}
	d.logger.Info("entity deleted",
		logging.String("kind", string(kind)),
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldEventType, "entity_deleted"),
	)
	return nil
}

// SetHold raises the global hold when collection is empty, otherwise the
// hold for that collection.
func (d *Daemon) SetHold(ctx context.Context, collection, reason string) error {
	var err error
	if strings.TrimSpace(collection) == "" {
		err = d.store.SetGlobalHold(ctx, reason)
	} else {
		err = d.store.SetCollectionHold(ctx, collection, reason)
	}
	if err != nil {
		return err
	}
	d.logger.Info("hold set",
		logging.String("collection", collection),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "hold_set"),
	)
	return nil
}

// ClearHold lowers the global hold when collection is empty, otherwise the
// hold for that collection.
func (d *Daemon) ClearHold(ctx context.Context, collection string) error {
	var err error
	if strings.TrimSpace(collection) == "" {
		err = d.store.ClearGlobalHold(ctx)
	} else {
		err = d.store.ClearCollectionHold(ctx, collection)
	}
	if err != nil {
		return err
	}
	d.logger.Info("hold cleared",
		logging.String("collection", collection),
		logging.String(logging.FieldEventType, "hold_cleared"),
	)
	return nil
}

// Holds lists the raised holds.
func (d *Daemon) Holds(ctx context.Context) ([]queue.Hold, error) {
	return d.store.ListHolds(ctx)
}

// Locks lists live locks.
func (d *Daemon) Locks(ctx context.Context) ([]queue.LockInfo, error) {
	return d.store.Locks(ctx)
}

// Purge runs one cleanup pass with the configured retention.
func (d *Daemon) Purge(ctx context.Context) (cleanup.Result, error) {
	opts := cleanup.FromConfig(d.cfg.Cleanup)
	opts.Metrics = d.metrics
	return cleanup.New(d.store, opts, d.logger).RunOnce(ctx)
}
