package stages

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/services"
	"accession/internal/stage"
)

// MetadataLocalID is the metadata key whose value is recorded as a local
// identifier during initialization.
const MetadataLocalID = "local_id"

// Initialize validates a job's configuration document and seeds its
// identifiers.
type Initialize struct {
	now func() time.Time
}

// NewInitialize builds the initialize processor.
func NewInitialize() *Initialize {
	return &Initialize{now: func() time.Time { return time.Now().UTC() }}
}

// Process validates and seeds. An invalid document fails the job.
func (p *Initialize) Process(_ context.Context, req *stage.Request) (stage.Result, error) {
	job := req.Job
	if job == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageInitialize, "initialize", "request carries no job", nil)
	}
	if err := validateJobConfig(job.Config.Profile, job.Config.Name, job.Config.Source, job.Config.Metadata); err != nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, config.StageInitialize, "validate configuration", "", err)
	}

	ids := &job.Identifiers
	if ids.Primary == "" {
		ids.Primary = uuid.NewString()
	}
	if local := strings.TrimSpace(job.Config.Metadata[MetadataLocalID]); local != "" && !slices.Contains(ids.Local, local) {
		ids.Local = append(ids.Local, local)
	}
	if _, done := ids.Marker(config.StageInitialize); !done {
		ids.SetMarker(config.StageInitialize, p.now().Format(time.RFC3339))
	}

	requestLogger(req).Info("job initialized",
		logging.String(logging.FieldEventType, "job_initialized"),
		logging.String("primary_id", ids.Primary),
		logging.Int("local_ids", len(ids.Local)),
	)
	return stage.Success(), nil
}

// HealthCheck always reports ready.
func (p *Initialize) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(config.StageInitialize)
}

func validateJobConfig(profile, name, source string, metadata map[string]string) error {
	if strings.TrimSpace(profile) == "" {
		return fmt.Errorf("profile is required")
	}
	if strings.TrimSpace(name) == "" && strings.TrimSpace(source) == "" {
		return fmt.Errorf("a name or source is required")
	}
	if source = strings.TrimSpace(source); source != "" {
		parsed, err := url.Parse(source)
		if err != nil {
			return fmt.Errorf("source %q: %w", source, err)
		}
		switch parsed.Scheme {
		case "", "file", "http", "https":
		default:
			return fmt.Errorf("source %q: unsupported scheme %q", source, parsed.Scheme)
		}
	}
	for key := range metadata {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("metadata keys must not be empty")
		}
	}
	return nil
}
