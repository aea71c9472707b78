package stages

import (
	"context"
	"fmt"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

// childSummary counts a batch's children by outcome. Children that no
// longer exist count as deleted.
type childSummary struct {
	queue.Report
	Running int
}

func summarizeChildren(ctx context.Context, store *queue.Store, batch *queue.Batch) (childSummary, error) {
	jobs, err := store.JobsForBatch(ctx, batch)
	if err != nil {
		return childSummary{}, err
	}
	summary := childSummary{Report: queue.Report{Total: len(batch.JobIDs)}}
	summary.Deleted = len(batch.JobIDs) - len(jobs)
	for _, job := range jobs {
		switch job.State {
		case queue.StateCompleted:
			summary.Completed++
		case queue.StateFailed:
			summary.Failed++
		case queue.StateDeleted:
			summary.Deleted++
		default:
			summary.Running++
		}
	}
	return summary, nil
}

// BatchWatch advances a processing batch once every child is terminal.
type BatchWatch struct {
	store *queue.Store
}

// NewBatchWatch builds the batch-watch processor.
func NewBatchWatch(store *queue.Store) *BatchWatch {
	return &BatchWatch{store: store}
}

// Process defers while any child is still moving through the pipeline.
func (w *BatchWatch) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	batch := req.Batch
	if batch == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageBatchWatch, "watch", "request carries no batch", nil)
	}
	summary, err := summarizeChildren(ctx, w.store, batch)
	if err != nil {
		if result, ok := storeUnavailable(err); ok {
			return result, nil
		}
		return stage.Result{}, fmt.Errorf("load batch children: %w", err)
	}
	if summary.Running > 0 {
		return stage.Deferred(fmt.Sprintf("%d of %d jobs still running", summary.Running, summary.Total)), nil
	}
	batch.HasFailure = summary.Failed > 0
	requestLogger(req).Info("batch children settled",
		logging.String(logging.FieldEventType, "batch_settled"),
		logging.Int("completed", summary.Completed),
		logging.Int("failed", summary.Failed),
		logging.Int("deleted", summary.Deleted),
	)
	return stage.Success(), nil
}

// HealthCheck reports ready when a store is attached.
func (w *BatchWatch) HealthCheck(context.Context) stage.Health {
	if w.store == nil {
		return stage.Unhealthy(config.StageBatchWatch, "queue store unavailable")
	}
	return stage.Healthy(config.StageBatchWatch)
}
