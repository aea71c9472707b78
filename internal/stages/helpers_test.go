package stages_test

import (
	"context"
	"testing"
	"time"

	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/stage"
)

func jobRequest(stageName string, job *queue.Job) *stage.Request {
	return &stage.Request{
		Stage:     stageName,
		Kind:      queue.KindJob,
		ID:        job.ID,
		Profile:   job.Config.Profile,
		RequestID: "req-1",
		Attempt:   job.Attempts,
		Job:       job,
		Logger:    logging.NewNop(),
	}
}

func batchRequest(stageName string, batch *queue.Batch) *stage.Request {
	return &stage.Request{
		Stage:     stageName,
		Kind:      queue.KindBatch,
		ID:        batch.ID,
		Profile:   batch.Payload.Profile,
		RequestID: "req-1",
		Batch:     batch,
		Logger:    logging.NewNop(),
	}
}

// putChild stores a child job of batch directly in state.
func putChild(t *testing.T, store *queue.Store, batch *queue.Batch, index int, state queue.State) *queue.Job {
	t.Helper()
	job := queue.NewJob(batch, index, time.Now().UTC())
	job.State = state
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create child %d: %v", index, err)
	}
	batch.JobIDs = append(batch.JobIDs, job.ID)
	return job
}

func mustProcess(t *testing.T, proc stage.Processor, req *stage.Request) stage.Result {
	t.Helper()
	result, err := proc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process %s: %v", req.ID, err)
	}
	return result
}
