package stages

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

// Estimator determines how much space a job needs.
type Estimator struct {
	client  *http.Client
	timeout time.Duration
}

// NewEstimator builds the estimate processor. A nil client uses
// http.DefaultClient; timeout bounds each HEAD probe.
func NewEstimator(client *http.Client, timeout time.Duration) *Estimator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Estimator{client: client, timeout: timeout}
}

// Process records the size when it can be determined. An unknown size
// rearms the job once so PenalizeUnknownSize can deprioritize it; the second
// pass advances with Space.Known false.
func (e *Estimator) Process(ctx context.Context, req *stage.Request) (stage.Result, error) {
	job := req.Job
	if job == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageEstimate, "estimate", "request carries no job", nil)
	}
	logger := requestLogger(req)

	size, known := e.size(ctx, job, logger.Debug)
	if known {
		job.Space.Estimated = size
		job.Space.Known = true
		logger.Info("size estimated",
			logging.String(logging.FieldEventType, "size_estimated"),
			logging.Int64("bytes", size),
			logging.String("size", humanize.IBytes(uint64(size))),
		)
		return stage.Success(), nil
	}

	job.Space.Known = false
	if !job.Penalized {
		logger.Info("size unknown, deprioritizing",
			logging.String(logging.FieldEventType, "size_unknown"),
			logging.Int("priority", job.Priority),
		)
		return stage.Rearmed("size unknown"), nil
	}
	logger.Info("size still unknown, advancing",
		logging.String(logging.FieldEventType, "size_unknown_advance"),
	)
	return stage.Success(), nil
}

// size resolves the declared size, then a file size, then the
// Content-Length of an HTTP HEAD.
func (e *Estimator) size(ctx context.Context, job *queue.Job, debug func(string, ...any)) (int64, bool) {
	if job.Config.DeclaredSize > 0 {
		return job.Config.DeclaredSize, true
	}
	source := strings.TrimSpace(job.Config.Source)
	if source == "" {
		return 0, false
	}
	parsed, err := url.Parse(source)
	if err != nil {
		debug("source unparseable", logging.Error(err))
		return 0, false
	}
	switch parsed.Scheme {
	case "", "file":
		info, err := os.Stat(parsed.Path)
		if err != nil || info.IsDir() {
			debug("source file not sized", logging.String("path", parsed.Path), logging.Error(err))
			return 0, false
		}
		return info.Size(), true
	case "http", "https":
		size, err := e.head(ctx, source)
		if err != nil {
			debug("source probe failed", logging.String("source", source), logging.Error(err))
			return 0, false
		}
		return size, size > 0
	default:
		return 0, false
	}
}

func (e *Estimator) head(ctx context.Context, source string) (int64, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("head %s: status %d", source, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// HealthCheck always reports ready; probes fail per job.
func (e *Estimator) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(config.StageEstimate)
}

// PenalizeUnknownSize raises a rearmed job's priority number by penalty the
// first time it is rearmed, then delegates to next.
func PenalizeUnknownSize(next stage.Completer, penalty int) stage.Completer {
	return func(ctx context.Context, claim *queue.Claim, result stage.Result) error {
		if result.Outcome == stage.OutcomeRearm {
			if job := claim.Job(); job != nil && !job.Penalized {
				job.Priority += penalty
				job.Penalized = true
				job.Message = result.Message
			}
		}
		return next(ctx, claim, result)
	}
}
