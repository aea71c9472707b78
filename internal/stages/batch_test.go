package stages_test

import (
	"context"
	"errors"
	"testing"

	"accession/internal/config"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
	"accession/internal/stages"
	"accession/internal/testsupport"
)

func TestBatchStartCreatesJobsIdempotently(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "Archive A", 4, "a", "b", "c")
	proc := stages.NewBatchStart(env.Queue)

	if result := mustProcess(t, proc, batchRequest(config.StageBatchStart, batch)); result.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if len(batch.JobIDs) != 3 {
		t.Fatalf("job ids = %v", batch.JobIDs)
	}

	// A second delivery of the same batch must not duplicate jobs.
	again := *batch
	again.JobIDs = nil
	if result := mustProcess(t, proc, batchRequest(config.StageBatchStart, &again)); result.Outcome != stage.OutcomeSuccess {
		t.Fatalf("rerun outcome = %s", result.Outcome)
	}
	jobs, err := env.Queue.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs after rerun = %d", len(jobs))
	}
	for i, id := range again.JobIDs {
		if id != queue.JobID(batch.ID, i) {
			t.Fatalf("job id %d = %s", i, id)
		}
		job, err := env.Queue.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.State != queue.StatePending || job.BatchID != batch.ID || job.Priority != 4 {
			t.Fatalf("unexpected job %+v", job)
		}
		if job.Config.Collection != "Archive A" {
			t.Fatalf("collection = %q", job.Config.Collection)
		}
	}
}

func TestBatchStartRejectsInvalidSubmission(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := &queue.Batch{ID: "b1", State: queue.StateSubmitted}
	_, err := stages.NewBatchStart(env.Queue).Process(context.Background(), batchRequest(config.StageBatchStart, batch))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBatchWatchDefersUntilChildrenSettle(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "", 1, "a", "b", "c")
	putChild(t, env.Queue, batch, 0, queue.StateCompleted)
	putChild(t, env.Queue, batch, 1, queue.StateFailed)
	putChild(t, env.Queue, batch, 2, queue.StateHeld)
	watch := stages.NewBatchWatch(env.Queue)

	result := mustProcess(t, watch, batchRequest(config.StageBatchWatch, batch))
	if result.Outcome != stage.OutcomeDefer {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if batch.HasFailure {
		t.Fatal("failure flag set while deferring")
	}

	claim, err := env.Queue.Lock(context.Background(), queue.KindJob, batch.JobIDs[2])
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := claim.Fail(context.Background(), "gave up"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_ = claim.Release(context.Background())

	result = mustProcess(t, watch, batchRequest(config.StageBatchWatch, batch))
	if result.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome after settle = %s", result.Outcome)
	}
	if !batch.HasFailure {
		t.Fatal("expected failure flag")
	}
}

func TestReportSummarisesChildren(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "", 1, "a", "b")
	putChild(t, env.Queue, batch, 0, queue.StateCompleted)
	putChild(t, env.Queue, batch, 1, queue.StateDeleted)
	batch.JobIDs = append(batch.JobIDs, "removed-by-cleanup")

	result := mustProcess(t, stages.NewReport(env.Queue, nil), batchRequest(config.StageReport, batch))
	if result.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	want := queue.Report{Total: 3, Completed: 1, Deleted: 2}
	if batch.Report == nil || *batch.Report != want {
		t.Fatalf("report = %+v", batch.Report)
	}
}

type recordingNotifier struct {
	reported []string
	err      error
}

func (n *recordingNotifier) NotifyBatchReported(_ context.Context, batch *queue.Batch) error {
	n.reported = append(n.reported, batch.ID)
	return n.err
}

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

func TestReportNotifiesEvenWhenDeliveryFails(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "", 1, "a")
	putChild(t, env.Queue, batch, 0, queue.StateCompleted)

	notifier := &recordingNotifier{err: errors.New("topic unreachable")}
	result := mustProcess(t, stages.NewReport(env.Queue, notifier), batchRequest(config.StageReport, batch))
	if result.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if len(notifier.reported) != 1 || notifier.reported[0] != batch.ID {
		t.Fatalf("reported = %v", notifier.reported)
	}
}

func TestReportFailsBatchWithFailedChild(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "", 1, "a", "b")
	putChild(t, env.Queue, batch, 0, queue.StateCompleted)
	putChild(t, env.Queue, batch, 1, queue.StateFailed)

	result := mustProcess(t, stages.NewReport(env.Queue, nil), batchRequest(config.StageReport, batch))
	if result.Outcome != stage.OutcomeFailure {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Message != "1 of 2 jobs failed" {
		t.Fatalf("message = %q", result.Message)
	}
	if !batch.HasFailure || batch.Report == nil || batch.Report.Failed != 1 {
		t.Fatalf("batch = %+v report = %+v", batch, batch.Report)
	}
}

func TestReportDefersWhenChildRequeued(t *testing.T) {
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "", 1, "a")
	putChild(t, env.Queue, batch, 0, queue.StateProcessing)

	result := mustProcess(t, stages.NewReport(env.Queue, nil), batchRequest(config.StageReport, batch))
	if result.Outcome != stage.OutcomeDefer {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if batch.Report != nil {
		t.Fatal("report written while deferring")
	}
}
