package stages

import (
	"fmt"
	"net/http"
	"time"

	"accession/internal/config"
	"accession/internal/notifications"
	"accession/internal/queue"
	"accession/internal/stage"
	"accession/internal/workflow"
)

// targets maps each stage daemon to the entity state it consumes.
var targets = map[string]queue.Target{
	config.StageBatchStart: {Kind: queue.KindBatch, State: queue.StateSubmitted},
	config.StageInitialize: {Kind: queue.KindJob, State: queue.StatePending},
	config.StageEstimate:   {Kind: queue.KindJob, State: queue.StateEstimating},
	config.StageProcess:    {Kind: queue.KindJob, State: queue.StateProcessing},
	config.StageProvision:  {Kind: queue.KindJob, State: queue.StateProvisioning},
	config.StageNotify:     {Kind: queue.KindJob, State: queue.StateNotify},
	config.StageBatchWatch: {Kind: queue.KindBatch, State: queue.StateProcessing},
	config.StageReport:     {Kind: queue.KindBatch, State: queue.StateReporting},
}

// TargetFor returns the state a stage daemon consumes.
func TargetFor(name string) (queue.Target, bool) {
	target, ok := targets[name]
	return target, ok
}

// Dependencies are the shared resources processors are built from.
type Dependencies struct {
	Store      *queue.Store
	Config     *config.Config
	HTTPClient *http.Client
	Notifier   notifications.Service
}

// Build returns the consumer configuration for one stage daemon.
func Build(name string, deps Dependencies) (workflow.ConsumerConfig, error) {
	if deps.Config == nil {
		return workflow.ConsumerConfig{}, fmt.Errorf("build %s: config is required", name)
	}
	target, ok := TargetFor(name)
	if !ok {
		return workflow.ConsumerConfig{}, fmt.Errorf("unknown stage %q", name)
	}
	cfg := deps.Config
	daemon := cfg.DaemonConfig(name)
	if daemon.MaxPriority != nil {
		limit := *daemon.MaxPriority
		target.MaxPriority = &limit
	}

	var (
		processor stage.Processor
		complete  stage.Completer = stage.Complete
	)
	switch name {
	case config.StageBatchStart:
		processor = NewBatchStart(deps.Store)
	case config.StageInitialize:
		processor = NewInitialize()
	case config.StageEstimate:
		processor = NewEstimator(deps.HTTPClient, time.Duration(cfg.Estimate.HeadTimeout)*time.Second)
		complete = PenalizeUnknownSize(stage.Complete, cfg.Estimate.UnknownSizePenalty)
	case config.StageProcess, config.StageNotify:
		processor = NewCommand(name, daemon.Command)
	case config.StageProvision:
		processor = NewProvision(daemon.Command, cfg.Paths.StorageDir, uint64(cfg.Estimate.MinFreeGiB)<<30)
	case config.StageBatchWatch:
		processor = NewBatchWatch(deps.Store)
	case config.StageReport:
		processor = NewReport(deps.Store, deps.Notifier)
	}

	return workflow.ConsumerConfig{
		Name:          name,
		Target:        target,
		Processor:     processor,
		Complete:      complete,
		PollInterval:  daemon.PollIntervalDuration(),
		Workers:       daemon.Workers,
		Timeout:       daemon.TimeoutDuration(),
		ShutdownGrace: cfg.ShutdownGrace(),
		ErrorRetry:    cfg.ErrorRetryInterval(),
	}, nil
}

// BuildEnabled returns consumer configurations for every enabled stage in
// pipeline order.
func BuildEnabled(deps Dependencies) ([]workflow.ConsumerConfig, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	var out []workflow.ConsumerConfig
	for _, name := range deps.Config.EnabledDaemons() {
		cc, err := Build(name, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, nil
}
