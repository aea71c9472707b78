package queue_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"accession/internal/coord"
	"accession/internal/coord/memstore"
	"accession/internal/queue"
	"accession/internal/testsupport"
)

var pendingJobs = queue.Target{Kind: queue.KindJob, State: queue.StatePending}

func TestAcquireOrdersByPriorityThenSequence(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job-a", 5, "")
	testsupport.MustCreateJob(t, env.Queue, "job-b", 1, "")
	testsupport.MustCreateJob(t, env.Queue, "job-c", 3, "")
	testsupport.MustCreateJob(t, env.Queue, "job-d", 3, "")

	var order []string
	for {
		claim, err := env.Queue.Acquire(ctx, pendingJobs)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if claim == nil {
			break
		}
		order = append(order, claim.ID())
		if err := claim.Advance(ctx); err != nil {
			t.Fatalf("advance %s: %v", claim.ID(), err)
		}
		if err := claim.Release(ctx); err != nil {
			t.Fatalf("release %s: %v", claim.ID(), err)
		}
	}
	if got := strings.Join(order, ","); got != "job-b,job-c,job-d,job-a" {
		t.Fatalf("acquisition order = %s", got)
	}
	jobs, err := env.Queue.ListJobs(ctx)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	for _, job := range jobs {
		if job.State != queue.StateEstimating {
			t.Fatalf("job %s state = %s, want estimating", job.ID, job.State)
		}
		if job.Attempts != 1 {
			t.Fatalf("job %s attempts = %d, want 1", job.ID, job.Attempts)
		}
	}
	locks, err := env.Queue.Locks(ctx)
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected no locks left, got %+v", locks)
	}
}

func TestAcquireRespectsPriorityCutoff(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "routine", 5, "")
	cutoff := 2
	claim, err := env.Queue.Acquire(ctx, queue.Target{Kind: queue.KindJob, State: queue.StatePending, MaxPriority: &cutoff})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if claim != nil {
		t.Fatalf("expected cutoff to skip priority 5, got %s", claim.ID())
	}
	testsupport.MustCreateJob(t, env.Queue, "urgent", 2, "")
	claim, err = env.Queue.Acquire(ctx, queue.Target{Kind: queue.KindJob, State: queue.StatePending, MaxPriority: &cutoff})
	if err != nil || claim == nil || claim.ID() != "urgent" {
		t.Fatalf("expected urgent job, got %v, %v", claim, err)
	}
}

func TestLockedItemIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	other := env.NewQueue(t, "other-daemon")
	testsupport.MustCreateJob(t, env.Queue, "only", 1, "")

	first, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v, %v", first, err)
	}
	second, err := other.Acquire(ctx, pendingJobs)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("expected locked job to be skipped by another session")
	}
	// Workers sharing a session must not share a claim either.
	again, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if again != nil {
		t.Fatal("expected locked job to be skipped by a sibling worker")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err = other.Acquire(ctx, pendingJobs)
	if err != nil || second == nil {
		t.Fatalf("expected job after release: %v, %v", second, err)
	}
}

func TestAmbiguousLockCreateIsOwned(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")

	var once sync.Once
	env.Backend.SetFault(func(call memstore.Call) error {
		var err error
		if call.Op == "create" && strings.Contains(call.Path, "/locks/") {
			once.Do(func() { err = memstore.AfterApply(coord.ErrConnectionLoss) })
		}
		return err
	})
	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire after lost reply: %v, %v", claim, err)
	}
	env.Backend.SetFault(nil)
	if err := claim.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	locks, _ := env.Queue.Locks(ctx)
	if len(locks) != 0 {
		t.Fatalf("expected lock to be released, got %+v", locks)
	}
}

func TestRetriedWriteAfterLostReply(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire: %v, %v", claim, err)
	}
	var once sync.Once
	env.Backend.SetFault(func(call memstore.Call) error {
		var err error
		if call.Op == "set" {
			once.Do(func() { err = memstore.AfterApply(coord.ErrConnectionLoss) })
		}
		return err
	})
	if err := claim.Advance(ctx); err != nil {
		t.Fatalf("advance with lost reply: %v", err)
	}
	env.Backend.SetFault(nil)
	job, err := env.Queue.GetJob(ctx, "job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != queue.StateEstimating {
		t.Fatalf("state = %s", job.State)
	}
}

func TestClaimRelocksAfterSessionExpiry(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire: %v, %v", claim, err)
	}
	expired := claim.SessionID()
	env.Backend.ExpireSession(expired)

	if err := claim.Advance(ctx); err != nil {
		t.Fatalf("advance after expiry: %v", err)
	}
	if claim.SessionID() == expired {
		t.Fatal("expected claim to move to the replacement session")
	}
	if env.Session.Reconnects() != 1 {
		t.Fatalf("reconnects = %d", env.Session.Reconnects())
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestClaimLostToAnotherSession(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	other := env.NewQueue(t, "other-daemon")
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")

	stale, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v, %v", stale, err)
	}
	env.Backend.ExpireSession(stale.SessionID())

	fresh, err := other.Acquire(ctx, pendingJobs)
	if err != nil || fresh == nil {
		t.Fatalf("expected expired lock to free the job: %v, %v", fresh, err)
	}
	if err := stale.Advance(ctx); !errors.Is(err, queue.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if err := fresh.Advance(ctx); err != nil {
		t.Fatalf("advance by new holder: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("release of stale claim: %v", err)
	}
	locks, _ := other.Locks(ctx)
	if len(locks) != 1 || locks[0].Token.Token != fresh.Token() {
		t.Fatalf("stale release must not remove the new lock, got %+v", locks)
	}
}

func TestCrashedHolderLockExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	env := testsupport.NewEnv(t, testsupport.WithSessionTimeout(10*time.Second), testsupport.WithClock(clock))
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	crashed, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || crashed == nil {
		t.Fatalf("acquire: %v, %v", crashed, err)
	}

	survivor := env.NewQueue(t, "survivor")
	if claim, _ := survivor.Acquire(ctx, pendingJobs); claim != nil {
		t.Fatal("job must stay locked while the holder's session lives")
	}
	advance(11 * time.Second)
	claim, err := survivor.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("expected job after the holder's session timed out: %v, %v", claim, err)
	}
	// The crashed claim recorded nothing, so this is still the first
	// recorded attempt.
	if claim.Job().Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", claim.Job().Attempts)
	}
}

func TestDeferredClaimLeavesEntityUntouched(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	before, err := env.Queue.GetJob(ctx, "job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}

	for i := 0; i < 3; i++ {
		claim, err := env.Queue.Acquire(ctx, pendingJobs)
		if err != nil || claim == nil {
			t.Fatalf("acquire %d: %v, %v", i, claim, err)
		}
		if claim.Job().Attempts != 1 {
			t.Fatalf("claim %d attempt = %d, want 1", i, claim.Job().Attempts)
		}
		if err := claim.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	after, err := env.Queue.GetJob(ctx, "job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.Version != before.Version || after.Attempts != 0 || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("released claims must not write: before %+v after %+v", before, after)
	}

	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire: %v, %v", claim, err)
	}
	if err := claim.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	recorded, err := env.Queue.GetJob(ctx, "job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if recorded.Attempts != 1 || recorded.State != queue.StateEstimating {
		t.Fatalf("attempts = %d state = %s, want 1 estimating", recorded.Attempts, recorded.State)
	}
}

func TestFailedWriteKeepsClaimState(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire: %v, %v", claim, err)
	}

	env.Backend.SetFault(func(call memstore.Call) error {
		if call.Op == "set" {
			return coord.ErrConnectionLoss
		}
		return nil
	})
	if err := claim.Advance(ctx); err == nil {
		t.Fatal("expected advance to fail while writes are refused")
	}
	if claim.State() != queue.StatePending {
		t.Fatalf("claim state = %s after failed write, want pending", claim.State())
	}
	env.Backend.SetFault(nil)

	if err := claim.Fail(ctx, "store unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	job, err := env.Queue.GetJob(ctx, "job")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	for _, change := range job.History {
		if change.State == queue.StateEstimating {
			t.Fatalf("history records a state the job never reached: %+v", job.History)
		}
	}
	if last := job.History[len(job.History)-1]; last.State != queue.StateFailed {
		t.Fatalf("last history entry = %s, want failed", last.State)
	}
}

func TestCollectionHoldParksAndResumesJobs(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "map-1", 1, "Maps")

	if err := env.Queue.SetCollectionHold(ctx, " maps ", "rehousing"); err != nil {
		t.Fatalf("set hold: %v", err)
	}
	claim, err := env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("acquire: %v, %v", claim, err)
	}
	held, err := env.Queue.CollectionHeld(ctx, claim.Collection())
	if err != nil || !held {
		t.Fatalf("expected collection to be held: %v, %v", held, err)
	}
	if err := claim.Hold(ctx, "collection on hold"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	_ = claim.Release(ctx)

	job, _ := env.Queue.GetJob(ctx, "map-1")
	if job.State != queue.StateHeld || job.HeldFrom != queue.StatePending {
		t.Fatalf("held job = %s from %s", job.State, job.HeldFrom)
	}
	if claim, _ := env.Queue.Acquire(ctx, pendingJobs); claim != nil {
		t.Fatal("held job must not be acquired while its collection is held")
	}

	if err := env.Queue.ClearCollectionHold(ctx, "MAPS"); err != nil {
		t.Fatalf("clear hold: %v", err)
	}
	claim, err = env.Queue.Acquire(ctx, pendingJobs)
	if err != nil || claim == nil {
		t.Fatalf("expected held job to resume: %v, %v", claim, err)
	}
	if claim.State() != queue.StatePending || claim.Job().HeldFrom != "" {
		t.Fatalf("resumed job state = %s held_from = %q", claim.State(), claim.Job().HeldFrom)
	}
	if err := claim.Advance(ctx); err != nil {
		t.Fatalf("advance resumed job: %v", err)
	}
}

func TestHoldFlags(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	if held, _ := env.Queue.GlobalHeld(ctx); held {
		t.Fatal("global hold should start lowered")
	}
	if err := env.Queue.SetGlobalHold(ctx, "maintenance"); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := env.Queue.SetGlobalHold(ctx, "maintenance window"); err != nil {
		t.Fatalf("set global twice: %v", err)
	}
	if err := env.Queue.SetCollectionHold(ctx, "Rare Books", ""); err != nil {
		t.Fatalf("set collection: %v", err)
	}
	holds, err := env.Queue.ListHolds(ctx)
	if err != nil {
		t.Fatalf("list holds: %v", err)
	}
	if len(holds) != 2 || !holds[0].Global() || holds[0].Reason != "maintenance window" || holds[1].Collection != "rare-books" {
		t.Fatalf("unexpected holds %+v", holds)
	}
	if err := env.Queue.ClearGlobalHold(ctx); err != nil {
		t.Fatalf("clear global: %v", err)
	}
	if err := env.Queue.ClearGlobalHold(ctx); err != nil {
		t.Fatalf("clearing an absent hold should be a no-op: %v", err)
	}
	if held, _ := env.Queue.GlobalHeld(ctx); held {
		t.Fatal("global hold should be lowered")
	}
	if held, _ := env.Queue.CollectionHeld(ctx, ""); held {
		t.Fatal("empty collection is never held")
	}
}

func TestRequeueAndDelete(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")

	if err := env.Queue.Requeue(ctx, queue.KindJob, "job"); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("requeue of pending job: %v", err)
	}
	claim, _ := env.Queue.Acquire(ctx, pendingJobs)
	if err := claim.Fail(ctx, "checksum mismatch"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := claim.Advance(ctx); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("failed job must not advance: %v", err)
	}

	other := env.NewQueue(t, "operator")
	if err := other.Requeue(ctx, queue.KindJob, "job"); !errors.Is(err, queue.ErrLocked) {
		t.Fatalf("expected ErrLocked while claimed, got %v", err)
	}
	_ = claim.Release(ctx)
	if err := other.Requeue(ctx, queue.KindJob, "job"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	job, _ := other.GetJob(ctx, "job")
	if job.State != queue.StatePending || job.Message != "" {
		t.Fatalf("requeued job = %s %q", job.State, job.Message)
	}

	if err := other.Delete(ctx, queue.KindJob, "job"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := other.Delete(ctx, queue.KindJob, "job"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := other.Delete(ctx, queue.KindJob, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	job, _ = other.GetJob(ctx, "job")
	if job.State != queue.StateDeleted {
		t.Fatalf("state = %s", job.State)
	}
}

func TestCreateJobRejectsDuplicates(t *testing.T) {
	env := testsupport.NewEnv(t)
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	err := env.Queue.CreateJob(context.Background(), &queue.Job{ID: "job"})
	if !errors.Is(err, queue.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestSubmitBatchAndStats(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	batch := testsupport.MustSubmit(t, env.Queue, "Maps", 3, "a", "b")
	if batch.State != queue.StateSubmitted || batch.ID == "" {
		t.Fatalf("unexpected batch %+v", batch)
	}
	got, err := env.Queue.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(got.Payload.Items) != 2 || got.Payload.Collection != "Maps" {
		t.Fatalf("payload not stored: %+v", got.Payload)
	}
	if _, err := env.Queue.SubmitBatch(ctx, queue.Submission{Profile: "p"}); !errors.Is(err, queue.ErrInvalidSubmission) {
		t.Fatalf("expected ErrInvalidSubmission, got %v", err)
	}
	testsupport.MustCreateJob(t, env.Queue, "job", 1, "")
	claim, _ := env.Queue.Acquire(ctx, pendingJobs)
	stats, err := env.Queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Batches[queue.StateSubmitted] != 1 || stats.Jobs[queue.StatePending] != 1 || stats.Locks != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	_ = claim.Release(ctx)
}

// Several sessions, each with several workers, race over the same jobs with
// injected connection loss. No two workers may ever hold the same job.
func TestMutualExclusionUnderContention(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	const jobs = 24
	for i := range jobs {
		testsupport.MustCreateJob(t, env.Queue, fmt.Sprintf("job-%02d", i), rand.IntN(4), "")
	}
	env.Backend.SetFault(func(memstore.Call) error {
		if rand.IntN(50) == 0 {
			return coord.ErrConnectionLoss
		}
		return nil
	})

	var (
		mu      sync.Mutex
		holders = make(map[string]int)
		overlap []string
		wg      sync.WaitGroup
	)
	for d := range 3 {
		store := env.NewQueue(t, fmt.Sprintf("daemon-%d", d))
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 200 {
					claim, err := store.Acquire(ctx, pendingJobs)
					if err != nil {
						continue
					}
					if claim == nil {
						return
					}
					mu.Lock()
					holders[claim.ID()]++
					if holders[claim.ID()] > 1 {
						overlap = append(overlap, claim.ID())
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					holders[claim.ID()]--
					mu.Unlock()
					_ = claim.Advance(ctx)
					_ = claim.Release(ctx)
				}
			}()
		}
	}
	wg.Wait()
	env.Backend.SetFault(nil)

	if len(overlap) > 0 {
		t.Fatalf("jobs held by two workers at once: %v", overlap)
	}
	remaining, err := env.Queue.ListJobs(ctx, queue.StatePending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, job := range remaining {
		// A worker may give up on a job whose writes kept failing; it must
		// still be claimable afterwards.
		claim, err := env.Queue.Acquire(ctx, pendingJobs)
		if err != nil || claim == nil {
			t.Fatalf("job %s left unclaimable: %v", job.ID, err)
		}
		_ = claim.Advance(ctx)
		_ = claim.Release(ctx)
	}
}
