package queue

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes batches from jobs.
type Kind string

const (
	KindBatch Kind = "batch"
	KindJob   Kind = "job"
)

// ParseKind accepts "batch(es)" and "job(s)".
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "batch", "batches":
		return KindBatch, nil
	case "job", "jobs":
		return KindJob, nil
	default:
		return "", fmt.Errorf("unknown kind %q (want batch or job)", value)
	}
}

// State is an entity lifecycle state. Batches and jobs share the type but
// each kind only uses its own subset.
type State string

const (
	StateSubmitted    State = "submitted"
	StatePending      State = "pending"
	StateEstimating   State = "estimating"
	StateProcessing   State = "processing"
	StateProvisioning State = "provisioning"
	StateNotify       State = "notify"
	StateReporting    State = "reporting"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateHeld         State = "held"
	StateDeleted      State = "deleted"
)

// JobPipeline is the forward order of job states.
var JobPipeline = []State{StatePending, StateEstimating, StateProcessing, StateProvisioning, StateNotify, StateCompleted}

// BatchPipeline is the forward order of batch states.
var BatchPipeline = []State{StateSubmitted, StateProcessing, StateReporting, StateCompleted}

// JobStates lists every job state for display.
var JobStates = []State{StatePending, StateEstimating, StateProcessing, StateProvisioning, StateNotify, StateCompleted, StateFailed, StateHeld, StateDeleted}

// BatchStates lists every batch state for display.
var BatchStates = []State{StateSubmitted, StateProcessing, StateReporting, StateCompleted, StateFailed, StateDeleted}

// ParseState validates a state name for kind.
func ParseState(kind Kind, value string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(value)))
	for _, candidate := range statesFor(kind) {
		if candidate == state {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown %s state %q", kind, value)
}

// ParseStates validates a state filter for kind, skipping blank entries.
func ParseStates(kind Kind, values []string) ([]State, error) {
	states := make([]State, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		state, err := ParseState(kind, value)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func statesFor(kind Kind) []State {
	if kind == KindBatch {
		return BatchStates
	}
	return JobStates
}

func pipelineFor(kind Kind) []State {
	if kind == KindBatch {
		return BatchPipeline
	}
	return JobPipeline
}

// IsTerminal reports whether no daemon will act on the state again.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDeleted:
		return true
	default:
		return false
	}
}

// NextState returns the pipeline successor of state for kind.
func NextState(kind Kind, state State) (State, bool) {
	pipeline := pipelineFor(kind)
	for i, candidate := range pipeline {
		if candidate == state && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return "", false
}

// InitialState is the state new entities of kind start in.
func InitialState(kind Kind) State {
	return pipelineFor(kind)[0]
}

// CanTransition reports whether a daemon may move an entity from one state to
// another. Administrative requeue and delete have their own rules.
func CanTransition(kind Kind, from, to State) bool {
	if from == to || from.IsTerminal() {
		return false
	}
	switch to {
	case StateFailed:
		return true
	case StateHeld:
		return kind == KindJob && (from == StatePending || from == StateEstimating)
	}
	if from == StateHeld {
		return kind == KindJob && (to == StatePending || to == StateEstimating)
	}
	next, ok := NextState(kind, from)
	return ok && next == to
}

// RequeueState is where an administrative requeue sends a failed or held entity.
func RequeueState(kind Kind) State {
	if kind == KindBatch {
		return StateProcessing
	}
	return StatePending
}

// StateChange records one transition in an entity's history.
type StateChange struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	By    string    `json:"by,omitempty"`
}

const historyLimit = 32

func appendHistory(history []StateChange, change StateChange) []StateChange {
	history = append(history, change)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

// JobConfig is the configuration document a job carries through the pipeline.
type JobConfig struct {
	Profile      string            `json:"profile"`
	Collection   string            `json:"collection,omitempty"`
	Submitter    string            `json:"submitter,omitempty"`
	Update       bool              `json:"update,omitempty"`
	Name         string            `json:"name,omitempty"`
	Source       string            `json:"source,omitempty"`
	DeclaredSize int64             `json:"declared_size,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Identifiers is populated incrementally by pipeline stages. Markers record
// which stages finished their side effects so a re-run can skip them.
type Identifiers struct {
	Primary string            `json:"primary,omitempty"`
	Local   []string          `json:"local,omitempty"`
	Markers map[string]string `json:"markers,omitempty"`
}

// Marker returns the completion marker a stage recorded.
func (i Identifiers) Marker(stage string) (string, bool) {
	value, ok := i.Markers[stage]
	return value, ok
}

// SetMarker records a completion marker for a stage.
func (i *Identifiers) SetMarker(stage, value string) {
	if i.Markers == nil {
		i.Markers = make(map[string]string)
	}
	i.Markers[stage] = value
}

// Space tracks storage requirements in bytes.
type Space struct {
	Estimated int64 `json:"estimated,omitempty"`
	Actual    int64 `json:"actual,omitempty"`
	Known     bool  `json:"known"`
}

// Job is the smallest unit of pipeline work.
type Job struct {
	ID          string        `json:"id"`
	BatchID     string        `json:"batch_id,omitempty"`
	State       State         `json:"state"`
	HeldFrom    State         `json:"held_from,omitempty"`
	Priority    int           `json:"priority"`
	Config      JobConfig     `json:"config"`
	Identifiers Identifiers   `json:"identifiers"`
	Space       Space         `json:"space"`
	Penalized   bool          `json:"penalized,omitempty"`
	Message     string        `json:"message,omitempty"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	History     []StateChange `json:"history,omitempty"`

	// Seq and Version come from the store, not the document.
	Seq     int64 `json:"-"`
	Version int64 `json:"-"`
}

// SubmissionItem describes one job inside a submission.
type SubmissionItem struct {
	Name     string            `json:"name" yaml:"name"`
	Source   string            `json:"source,omitempty" yaml:"source"`
	Size     int64             `json:"size,omitempty" yaml:"size"`
	Priority *int              `json:"priority,omitempty" yaml:"priority"`
	LocalID  string            `json:"local_id,omitempty" yaml:"local_id"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Submission is the producer document a batch is created from.
type Submission struct {
	Profile    string           `json:"profile" yaml:"profile"`
	Collection string           `json:"collection,omitempty" yaml:"collection"`
	Submitter  string           `json:"submitter,omitempty" yaml:"submitter"`
	Update     bool             `json:"update,omitempty" yaml:"update"`
	Priority   int              `json:"priority" yaml:"priority"`
	Items      []SubmissionItem `json:"items" yaml:"items"`
}

// Validate checks the submission can be disaggregated.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Profile) == "" {
		return fmt.Errorf("%w: profile is required", ErrInvalidSubmission)
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidSubmission)
	}
	for i, item := range s.Items {
		if strings.TrimSpace(item.Name) == "" && strings.TrimSpace(item.Source) == "" {
			return fmt.Errorf("%w: item %d needs a name or source", ErrInvalidSubmission, i+1)
		}
		if item.Size < 0 {
			return fmt.Errorf("%w: item %d has a negative size", ErrInvalidSubmission, i+1)
		}
	}
	return nil
}

// Report summarises child outcomes once a batch is reported.
type Report struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Deleted   int `json:"deleted"`
}

// Batch is a producer submission that expands into jobs.
type Batch struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Priority   int           `json:"priority"`
	Payload    Submission    `json:"payload"`
	JobIDs     []string      `json:"job_ids,omitempty"`
	HasFailure bool          `json:"has_failure,omitempty"`
	Report     *Report       `json:"report,omitempty"`
	Message    string        `json:"message,omitempty"`
	Attempts   int           `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	History    []StateChange `json:"history,omitempty"`

	Seq     int64 `json:"-"`
	Version int64 `json:"-"`
}

// JobID derives the deterministic ID of a batch's index-th job (0-based), so
// disaggregation can be repeated without creating duplicates.
func JobID(batchID string, index int) string {
	return fmt.Sprintf("%s-%03d", batchID, index+1)
}

// NewJob builds the job for a submission item.
func NewJob(batch *Batch, index int, now time.Time) *Job {
	item := batch.Payload.Items[index]
	priority := batch.Priority
	if item.Priority != nil {
		priority = *item.Priority
	}
	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = item.Source
	}
	job := &Job{
		ID:       JobID(batch.ID, index),
		BatchID:  batch.ID,
		State:    StatePending,
		Priority: priority,
		Config: JobConfig{
			Profile:      batch.Payload.Profile,
			Collection:   batch.Payload.Collection,
			Submitter:    batch.Payload.Submitter,
			Update:       batch.Payload.Update,
			Name:         name,
			Source:       strings.TrimSpace(item.Source),
			DeclaredSize: item.Size,
			Metadata:     item.Metadata,
		},
		CreatedAt: now,
		UpdatedAt: now,
		History:   []StateChange{{State: StatePending, At: now}},
	}
	if local := strings.TrimSpace(item.LocalID); local != "" {
		job.Identifiers.Local = []string{local}
	}
	return job
}
