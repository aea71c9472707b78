package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/testsupport"
	"accession/internal/workflow"
)

func TestManagerRunsPipelineConsumers(t *testing.T) {
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")

	initialize := newConsumer(t, env.Queue, "initialize", queue.StatePending, &stubProcessor{}, 1)
	estimate := newConsumer(t, env.Queue, "estimate", queue.StateEstimating, &stubProcessor{}, 1)
	mgr := workflow.NewManager(logging.NewNop(), initialize)
	mgr.Add(estimate)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
	waitFor(t, 2*time.Second, func() bool {
		return mustJob(t, env.Queue, "job").State == queue.StateProcessing
	})
	if err := mgr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if mgr.Running() {
		t.Fatal("manager still running after stop")
	}

	statuses := mgr.Status(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	for _, status := range statuses {
		if status.State != workflow.StateStopped {
			t.Fatalf("%s state = %s", status.Name, status.State)
		}
		if status.Counters["completed"] != 1 {
			t.Fatalf("%s completed = %d", status.Name, status.Counters["completed"])
		}
		if status.Health == nil || !status.Health.Ready || status.Health.Name != status.Name {
			t.Fatalf("%s health = %+v", status.Name, status.Health)
		}
	}

	job := mustJob(t, env.Queue, "job")
	var seen []queue.State
	for _, change := range job.History {
		seen = append(seen, change.State)
	}
	want := []queue.State{queue.StatePending, queue.StateEstimating, queue.StateProcessing}
	if len(seen) != len(want) {
		t.Fatalf("history = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("history = %v", seen)
		}
	}
}

type failingRunner struct{}

func (failingRunner) Name() string { return "broken" }

func (failingRunner) Run(context.Context) error { return errors.New("boom") }

func (failingRunner) Status(context.Context) workflow.Status {
	return workflow.Status{Name: "broken", State: workflow.StateStopped}
}

func TestManagerStopsAllWhenOneFails(t *testing.T) {
	env := testsupport.NewEnv(t)
	consumer := newConsumer(t, env.Queue, "initialize", queue.StatePending, &stubProcessor{}, 1)
	mgr := workflow.NewManager(nil, consumer, failingRunner{})

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("run error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manager kept running after a daemon failed")
	}
	if state := consumer.Status(context.Background()).State; state != workflow.StateStopped {
		t.Fatalf("consumer state = %s", state)
	}
}

func TestManagerRequiresRunners(t *testing.T) {
	if err := workflow.NewManager(nil).Run(context.Background()); err == nil {
		t.Fatal("expected error without runners")
	}
}
