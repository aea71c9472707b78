package stage

import (
	"context"
	"log/slog"

	"accession/internal/queue"
)

// Request is the materialized request a processor receives for one claimed
// entity. Job or Batch is set according to Kind. Processors may modify the
// entity; the completer persists it together with the outcome.
type Request struct {
	Stage     string
	Kind      queue.Kind
	ID        string
	Profile   string
	RequestID string
	Attempt   int
	Job       *queue.Job
	Batch     *queue.Batch
	// Logger carries the item's context fields.
	Logger *slog.Logger
}

// NewRequest builds the request for a claim.
func NewRequest(stageName, requestID string, claim *queue.Claim, logger *slog.Logger) *Request {
	req := &Request{
		Stage:     stageName,
		Kind:      claim.Kind(),
		ID:        claim.ID(),
		RequestID: requestID,
		Job:       claim.Job(),
		Batch:     claim.Batch(),
		Logger:    logger,
	}
	if req.Job != nil {
		req.Profile = req.Job.Config.Profile
		req.Attempt = req.Job.Attempts
	} else if req.Batch != nil {
		req.Profile = req.Batch.Payload.Profile
		req.Attempt = req.Batch.Attempts
	}
	return req
}

// Processor is the contract every pipeline stage implements. Processors must
// be safe to re-run on the same entity because delivery is at-least-once.
// A returned error is treated as a failure of the item.
type Processor interface {
	Process(context.Context, *Request) (Result, error)
	HealthCheck(context.Context) Health
}

// ProcessorFunc adapts a function into an always-healthy Processor.
type ProcessorFunc func(context.Context, *Request) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, req *Request) (Result, error) {
	return f(ctx, req)
}

// HealthCheck reports ready.
func (f ProcessorFunc) HealthCheck(context.Context) Health {
	return Healthy("func")
}
