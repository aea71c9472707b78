package stages

import (
	"context"

	"accession/internal/config"
	"accession/internal/preflight"
	"accession/internal/services"
	"accession/internal/stage"
)

// NewProvision builds the provision processor. Before running argv it checks
// that storageDir has room for the job's estimate plus minFree bytes.
func NewProvision(argv []string, storageDir string, minFree uint64) *Command {
	c := NewCommand(config.StageProvision, argv)
	c.check = func(_ context.Context, req *stage.Request) error {
		need := minFree
		if est := req.Job.Space.Estimated; est > 0 {
			need += uint64(est)
		}
		result := preflight.CheckFreeSpace("storage", storageDir, need)
		if !result.Passed {
			return services.Wrap(services.ErrTransient, config.StageProvision, "check free space", result.Detail, nil)
		}
		return nil
	}
	c.ready = func() stage.Health {
		if result := preflight.CheckDirectoryAccess("storage", storageDir); !result.Passed {
			return stage.Unhealthy(config.StageProvision, result.Detail)
		}
		return stage.Healthy(config.StageProvision)
	}
	return c
}
