package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"accession/internal/logging"
	"accession/internal/metrics"
	"accession/internal/queue"
	"accession/internal/stage"
)

// Queue is the slice of the queue store a consumer needs.
type Queue interface {
	GlobalHeld(ctx context.Context) (bool, error)
	CollectionHeld(ctx context.Context, ref string) (bool, error)
	Acquire(ctx context.Context, target queue.Target) (*queue.Claim, error)
}

// ConsumerConfig describes one consumer daemon.
type ConsumerConfig struct {
	Name      string
	Target    queue.Target
	Processor stage.Processor
	// Complete applies results; nil means stage.Complete.
	Complete     stage.Completer
	PollInterval time.Duration
	Workers      int
	// Timeout bounds a single Process call; zero means none.
	Timeout time.Duration
	// ShutdownGrace is how long in-flight workers may finish after a stop
	// request before they are cancelled.
	ShutdownGrace time.Duration
	// ErrorRetry replaces PollInterval after a failed cycle when longer.
	ErrorRetry time.Duration
}

const defaultShutdownGrace = 30 * time.Second

// Consumer is the generic polling daemon shared by every stage.
type Consumer struct {
	cfg     ConsumerConfig
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Collector

	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
	running    atomic.Bool

	mu           sync.Mutex
	state        State
	lastErr      error
	lastItem     string
	lastActivity time.Time

	inFlight         atomic.Int64
	cycles           atomic.Int64
	acquired         atomic.Int64
	completed        atomic.Int64
	failed           atomic.Int64
	held             atomic.Int64
	deferred         atomic.Int64
	rearmed          atomic.Int64
	abandoned        atomic.Int64
	interrupted      atomic.Int64
	saturated        atomic.Int64
	globalHoldCycles atomic.Int64
}

// NewConsumer validates cfg and builds a consumer.
func NewConsumer(q Queue, cfg ConsumerConfig, logger *slog.Logger, collector *metrics.Collector) (*Consumer, error) {
	if q == nil {
		return nil, errors.New("consumer: queue is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("consumer: name is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("consumer %s: processor is required", cfg.Name)
	}
	if cfg.Target.Kind == "" || cfg.Target.State == "" {
		return nil, fmt.Errorf("consumer %s: target kind and state are required", cfg.Name)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Complete == nil {
		cfg.Complete = stage.Complete
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	workCtx, cancelWork := context.WithCancel(context.Background())
	return &Consumer{
		cfg:        cfg,
		queue:      q,
		logger:     logging.NewComponentLogger(logger, "consumer").With(logging.String(logging.FieldDaemon, cfg.Name)),
		metrics:    collector,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		workCtx:    workCtx,
		cancelWork: cancelWork,
		state:      StateIdle,
	}, nil
}

// Name identifies the consumer.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

// Run polls until ctx ends, then drains in-flight workers. The first cycle
// starts immediately.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer %s already running", c.cfg.Name)
	}
	c.logger.Info("consumer started",
		logging.String("target", c.cfg.Target.String()),
		logging.Int("workers", c.cfg.Workers),
		logging.Duration("poll_interval", c.cfg.PollInterval),
		logging.String(logging.FieldEventType, "consumer_started"),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case <-timer.C:
		}
		wait := c.cfg.PollInterval
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			wait = max(wait, c.cfg.ErrorRetry)
			logging.WarnWithContext(c.logger, "poll cycle aborted", "poll_failed",
				logging.Error(err),
				logging.Duration("retry_in", wait),
				logging.String(logging.FieldImpact, "no new items claimed until the next cycle"),
				logging.String(logging.FieldErrorHint, "check coordination store health"),
			)
		}
		timer.Reset(wait)
	}
}

// Poll runs one acquisition cycle and reports how many items were dispatched.
// Errors end the cycle early; they are recorded on the status.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	c.cycles.Add(1)
	c.setState(StatePolling)
	defer c.setState(StateIdle)

	held, err := c.queue.GlobalHeld(ctx)
	if err != nil {
		c.recordError(err)
		c.metrics.PollError(c.cfg.Name)
		return 0, err
	}
	if held {
		c.globalHoldCycles.Add(1)
		c.metrics.GlobalHold(c.cfg.Name)
		c.logger.Debug("global hold raised; skipping cycle")
		return 0, nil
	}

	// Items released unchanged this cycle wait for the next one.
	target := c.cfg.Target
	target.Exclude = make(map[string]bool)
	dispatched := 0
	for ctx.Err() == nil {
		if !c.sem.TryAcquire(1) {
			c.saturated.Add(1)
			c.metrics.Saturated(c.cfg.Name)
			c.logger.Debug("worker pool saturated; deferring to next cycle",
				logging.Int("workers", c.cfg.Workers),
			)
			break
		}
		claim, err := c.queue.Acquire(ctx, target)
		if err != nil {
			c.sem.Release(1)
			c.recordError(err)
			c.metrics.PollError(c.cfg.Name)
			return dispatched, err
		}
		if claim == nil {
			c.sem.Release(1)
			break
		}
		target.Exclude[claim.ID()] = true
		c.acquired.Add(1)
		c.metrics.Acquired(c.cfg.Name)

		if c.parkIfHeld(ctx, claim) {
			c.release(claim)
			c.sem.Release(1)
			continue
		}

		c.setState(StateDispatching)
		c.inFlight.Add(1)
		c.wg.Add(1)
		go c.work(claim)
		dispatched++
	}
	return dispatched, ctx.Err()
}

// parkIfHeld reports whether claim must not be dispatched because its
// collection is held. Jobs that can still be held are moved to held; jobs
// past estimating keep running, since a hold only pauses intake. Store
// errors skip the job for this cycle.
func (c *Consumer) parkIfHeld(ctx context.Context, claim *queue.Claim) bool {
	if claim.Kind() != queue.KindJob || claim.Collection() == "" {
		return false
	}
	held, err := c.queue.CollectionHeld(ctx, claim.Collection())
	if err != nil {
		c.recordError(err)
		logging.WarnWithContext(c.logger, "collection hold lookup failed; skipping job this cycle", "hold_lookup_failed",
			logging.String(logging.FieldItemID, claim.ID()),
			logging.Error(err),
		)
		return true
	}
	if !held {
		return false
	}
	if !queue.CanTransition(queue.KindJob, claim.State(), queue.StateHeld) {
		c.logger.Debug("collection held; job is past intake and keeps running",
			logging.String(logging.FieldItemID, claim.ID()),
			logging.String("collection", claim.Collection()),
			logging.String("state", string(claim.State())),
		)
		return false
	}
	if err := claim.Hold(ctx, fmt.Sprintf("collection %s is on hold", claim.Collection())); err != nil {
		c.recordError(err)
		logging.WarnWithContext(c.logger, "could not park held job; skipping it this cycle", "job_hold_failed",
			logging.String(logging.FieldItemID, claim.ID()),
			logging.Error(err),
		)
		return true
	}
	c.held.Add(1)
	c.metrics.Held(c.cfg.Name)
	c.logger.Info("job held by collection hold",
		logging.String(logging.FieldItemID, claim.ID()),
		logging.String("collection", claim.Collection()),
		logging.String(logging.FieldEventType, "job_held"),
	)
	return true
}

// drain waits for in-flight workers up to the grace period, then cancels them.
func (c *Consumer) drain() {
	c.setState(StateDraining)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logging.WarnWithContext(c.logger, "shutdown grace elapsed; cancelling workers", "consumer_force_stop",
			logging.Int64("in_flight", c.inFlight.Load()),
			logging.String(logging.FieldImpact, "interrupted items are released and picked up again later"),
		)
		c.cancelWork()
		<-done
	}
	c.cancelWork()
	c.setState(StateStopped)
	c.logger.Info("consumer stopped", logging.String(logging.FieldEventType, "consumer_stopped"))
}

// Wait blocks until every dispatched worker has finished.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDraining || c.state == StateStopped {
		if state != StateStopped {
			return
		}
	}
	c.state = state
}

func (c *Consumer) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Consumer) recordItem(id string) {
	c.mu.Lock()
	c.lastItem = id
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// Status reports the consumer's state, counters, and processor health.
func (c *Consumer) Status(ctx context.Context) Status {
	c.mu.Lock()
	status := Status{
		Name:         c.cfg.Name,
		Target:       c.cfg.Target.String(),
		State:        c.state,
		Workers:      c.cfg.Workers,
		LastItem:     c.lastItem,
		LastActivity: c.lastActivity,
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	status.InFlight = int(c.inFlight.Load())
	status.Counters = map[string]int64{
		"cycles":             c.cycles.Load(),
		"acquired":           c.acquired.Load(),
		"completed":          c.completed.Load(),
		"failed":             c.failed.Load(),
		"held":               c.held.Load(),
		"deferred":           c.deferred.Load(),
		"rearmed":            c.rearmed.Load(),
		"abandoned":          c.abandoned.Load(),
		"interrupted":        c.interrupted.Load(),
		"saturated":          c.saturated.Load(),
		"global_hold_cycles": c.globalHoldCycles.Load(),
	}
	health := c.cfg.Processor.HealthCheck(ctx).Named(c.cfg.Name)
	status.Health = &health
	return status
}
