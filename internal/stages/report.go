package stages

import (
	"context"
	"fmt"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/notifications"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

// Report summarises a batch's children and completes or fails the batch.
type Report struct {
	store    *queue.Store
	notifier notifications.Service
}

// NewReport builds the report processor. A nil notifier sends nothing.
func NewReport(store *queue.Store, notifier notifications.Service) *Report {
	if notifier == nil {
		notifier = notifications.NewService(nil)
	}
	return &Report{store: store, notifier: notifier}
}

// Process records the report. A child that was requeued after the batch
// reached reporting defers the report until it settles again.
func (r *Report) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	batch := req.Batch
	if batch == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageReport, "report", "request carries no batch", nil)
	}
	summary, err := summarizeChildren(ctx, r.store, batch)
	if err != nil {
		if result, ok := storeUnavailable(err); ok {
			return result, nil
		}
		return stage.Result{}, fmt.Errorf("load batch children: %w", err)
	}
	if summary.Running > 0 {
		return stage.Deferred(fmt.Sprintf("%d jobs running again", summary.Running)), nil
	}

	report := summary.Report
	batch.Report = &report
	batch.HasFailure = report.Failed > 0

	logger := requestLogger(req)
	logger.Info("batch reported",
		logging.String(logging.FieldEventType, "batch_reported"),
		logging.Int("total", report.Total),
		logging.Int("completed", report.Completed),
		logging.Int("failed", report.Failed),
		logging.Int("deleted", report.Deleted),
	)
	if err := r.notifier.NotifyBatchReported(ctx, batch); err != nil {
		logging.WarnWithContext(logger, "batch notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "operators are not told the batch finished"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
	if report.Failed > 0 {
		return stage.Failure(fmt.Sprintf("%d of %d jobs failed", report.Failed, report.Total)), nil
	}
	return stage.Success(), nil
}

// HealthCheck reports ready when a store is attached.
func (r *Report) HealthCheck(context.Context) stage.Health {
	if r.store == nil {
		return stage.Unhealthy(config.StageReport, "queue store unavailable")
	}
	return stage.Healthy(config.StageReport)
}
