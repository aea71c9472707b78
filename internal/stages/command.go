package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

// ExitDefer is the exit status a stage command uses to ask for the item to
// be released unchanged and retried later (EX_TEMPFAIL).
const ExitDefer = 75

const outputTailLimit = 512

// commandInput is the materialized request written to the command's stdin.
type commandInput struct {
	Stage     string       `json:"stage"`
	Kind      queue.Kind   `json:"kind"`
	ID        string       `json:"id"`
	Profile   string       `json:"profile"`
	RequestID string       `json:"request_id"`
	Attempt   int          `json:"attempt"`
	Job       *queue.Job   `json:"job,omitempty"`
	Batch     *queue.Batch `json:"batch,omitempty"`
}

// commandOutput is the optional JSON document a command prints on stdout.
type commandOutput struct {
	Outcome    string   `json:"outcome"`
	Message    string   `json:"message"`
	Primary    string   `json:"primary"`
	Local      []string `json:"local"`
	ActualSize int64    `json:"actual_size"`
}

// Command runs an external program for a job stage. Without a configured
// program it passes the job through.
type Command struct {
	stage string
	argv  []string
	check func(context.Context, *stage.Request) error
	ready func() stage.Health
	now   func() time.Time
}

// NewCommand builds a command processor for stageName.
func NewCommand(stageName string, argv []string) *Command {
	return &Command{
		stage: stageName,
		argv:  append([]string(nil), argv...),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the command unless this stage already recorded a marker.
func (c *Command) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	job := req.Job
	if job == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, c.stage, "run command", "request carries no job", nil)
	}
	logger := requestLogger(req)
	if marker, done := job.Identifiers.Marker(c.stage); done {
		logger.Info("stage already completed, skipping",
			logging.String(logging.FieldEventType, "stage_skip"),
			logging.String("marker", marker),
		)
		return stage.Success(), nil
	}
	if c.check != nil {
		if err := c.check(ctx, req); err != nil {
			return stage.Result{}, err
		}
	}
	if len(c.argv) == 0 {
		job.Identifiers.SetMarker(c.stage, "passthrough")
		return stage.Success(), nil
	}

	payload, err := json.Marshal(commandInput{
		Stage:     req.Stage,
		Kind:      req.Kind,
		ID:        req.ID,
		Profile:   req.Profile,
		RequestID: req.RequestID,
		Attempt:   req.Attempt,
		Job:       job,
	})
	if err != nil {
		return stage.Result{}, fmt.Errorf("encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"ACCESSION_STAGE="+c.stage,
		"ACCESSION_ITEM_ID="+req.ID,
		"ACCESSION_REQUEST_ID="+req.RequestID,
		"ACCESSION_PROFILE="+req.Profile,
	)

	started := time.Now()
	logger.Info("stage command started",
		logging.String(logging.FieldEventType, "command_start"),
		logging.String("command", c.argv[0]),
	)
	runErr := cmd.Run()
	elapsed := time.Since(started)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage.Result{}, ctxErr
		}
		detail := tail(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == ExitDefer {
			logger.Info("stage command deferred",
				logging.String(logging.FieldEventType, "command_defer"),
				logging.String("detail", detail),
			)
			return stage.Deferred(detail), nil
		}
		return stage.Result{}, services.Wrap(services.ErrExternalTool, c.stage, "run "+c.argv[0], detail, runErr)
	}

	result, err := c.apply(job, stdout.Bytes())
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrExternalTool, c.stage, "parse command output", "", err)
	}
	logger.Info("stage command finished",
		logging.String(logging.FieldEventType, "command_complete"),
		logging.Duration("elapsed", elapsed),
		logging.String("outcome", result.Outcome.String()),
	)
	return result, nil
}

// apply folds the command's stdout document into the job.
func (c *Command) apply(job *queue.Job, stdout []byte) (stage.Result, error) {
	trimmed := bytes.TrimSpace(stdout)
	var out commandOutput
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return stage.Result{}, err
		}
	}
	if out.Primary != "" {
		job.Identifiers.Primary = out.Primary
	}
	for _, local := range out.Local {
		if local = strings.TrimSpace(local); local != "" && !slices.Contains(job.Identifiers.Local, local) {
			job.Identifiers.Local = append(job.Identifiers.Local, local)
		}
	}
	if out.ActualSize > 0 {
		job.Space.Actual = out.ActualSize
	}

	switch strings.ToLower(strings.TrimSpace(out.Outcome)) {
	case "", "success":
		job.Identifiers.SetMarker(c.stage, c.now().Format(time.RFC3339))
		return stage.Success(), nil
	case "failure":
		message := strings.TrimSpace(out.Message)
		if message == "" {
			message = c.stage + " command reported failure"
		}
		return stage.Failure(message), nil
	case "defer":
		return stage.Deferred(out.Message), nil
	case "rearm":
		return stage.Rearmed(out.Message), nil
	default:
		return stage.Result{}, fmt.Errorf("unknown outcome %q", out.Outcome)
	}
}

// HealthCheck verifies the configured program can be found.
func (c *Command) HealthCheck(context.Context) stage.Health {
	if c.ready != nil {
		if h := c.ready(); !h.Ready {
			return h
		}
	}
	if len(c.argv) == 0 {
		return stage.Healthy(c.stage)
	}
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return stage.Unhealthy(c.stage, fmt.Sprintf("command %q not found", c.argv[0]))
	}
	return stage.Healthy(c.stage)
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= outputTailLimit {
		return output
	}
	return "..." + output[len(output)-outputTailLimit:]
}

