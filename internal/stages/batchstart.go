package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

// BatchStart disaggregates a submitted batch into one job per item.
type BatchStart struct {
	store *queue.Store
	now   func() time.Time
}

// NewBatchStart builds the batch-start processor.
func NewBatchStart(store *queue.Store) *BatchStart {
	return &BatchStart{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Process creates the batch's jobs. Job IDs are derived from the batch ID
// and item index, so jobs left over from an interrupted run are kept.
func (b *BatchStart) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	batch := req.Batch
	if batch == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageBatchStart, "disaggregate", "request carries no batch", nil)
	}
	if err := batch.Payload.Validate(); err != nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageBatchStart, "validate submission", "", err)
	}

	logger := requestLogger(req)
	now := b.now()
	ids := make([]string, 0, len(batch.Payload.Items))
	created := 0
	for i := range batch.Payload.Items {
		job := queue.NewJob(batch, i, now)
		err := b.store.CreateJob(ctx, job)
		switch {
		case err == nil:
			created++
		case errors.Is(err, queue.ErrExists):
			logger.Debug("job already exists", logging.String("job_id", job.ID))
		default:
			if result, ok := storeUnavailable(err); ok {
				return result, nil
			}
			return stage.Result{}, fmt.Errorf("create job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}
	batch.JobIDs = ids

	logger.Info("batch disaggregated",
		logging.String(logging.FieldEventType, "batch_disaggregated"),
		logging.Int("jobs", len(ids)),
		logging.Int("created", created),
	)
	return stage.Success(), nil
}

// HealthCheck reports ready when a store is attached.
func (b *BatchStart) HealthCheck(context.Context) stage.Health {
	if b.store == nil {
		return stage.Unhealthy(config.StageBatchStart, "queue store unavailable")
	}
	return stage.Healthy(config.StageBatchStart)
}
