package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/stage"
	"accession/internal/workflow"
)

type stubProcessor struct {
	mu   sync.Mutex
	seen []string
	fn   func(context.Context, *stage.Request) (stage.Result, error)
}

func (p *stubProcessor) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	p.mu.Lock()
	p.seen = append(p.seen, req.ID)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, req)
	}
	return stage.Success(), nil
}

func (p *stubProcessor) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("stub")
}

func (p *stubProcessor) Seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func newConsumer(t *testing.T, q workflow.Queue, name string, target queue.State, proc stage.Processor, workers int) *workflow.Consumer {
	t.Helper()
	consumer, err := workflow.NewConsumer(q, workflow.ConsumerConfig{
		Name:          name,
		Target:        queue.Target{Kind: queue.KindJob, State: target},
		Processor:     proc,
		PollInterval:  5 * time.Millisecond,
		Workers:       workers,
		ShutdownGrace: time.Second,
	}, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return consumer
}

func pollAndWait(t *testing.T, consumer *workflow.Consumer) int {
	t.Helper()
	n, err := consumer.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	consumer.Wait()
	return n
}

func mustJob(t *testing.T, store *queue.Store, id string) *queue.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
