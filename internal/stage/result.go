package stage

import (
	"context"
	"fmt"

	"accession/internal/queue"
)

// Outcome says what the consumer does with a processed entity.
type Outcome int

const (
	// OutcomeSuccess advances the entity to its next pipeline state.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure moves the entity to failed with the result message.
	OutcomeFailure
	// OutcomeDefer releases the entity unchanged for a later cycle.
	OutcomeDefer
	// OutcomeRearm persists entity changes and releases it in the same state.
	OutcomeRearm
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeDefer:
		return "defer"
	case OutcomeRearm:
		return "rearm"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is a processor's verdict.
type Result struct {
	Outcome Outcome
	Message string
}

// Success advances the entity.
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Failure fails the entity with message.
func Failure(message string) Result { return Result{Outcome: OutcomeFailure, Message: message} }

// Deferred leaves the entity untouched.
func Deferred(message string) Result { return Result{Outcome: OutcomeDefer, Message: message} }

// Rearmed saves the entity and leaves it in place.
func Rearmed(message string) Result { return Result{Outcome: OutcomeRearm, Message: message} }

// Completer applies a result to a claimed entity.
type Completer func(context.Context, *queue.Claim, Result) error

// Complete is the default completer.
func Complete(ctx context.Context, claim *queue.Claim, result Result) error {
	switch result.Outcome {
	case OutcomeSuccess:
		return claim.Advance(ctx)
	case OutcomeFailure:
		return claim.Fail(ctx, result.Message)
	case OutcomeDefer:
		return nil
	case OutcomeRearm:
		return claim.Save(ctx)
	default:
		return fmt.Errorf("unknown stage outcome %s", result.Outcome)
	}
}
