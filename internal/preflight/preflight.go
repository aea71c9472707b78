package preflight

import (
	"context"
	"strings"

	"accession/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	// Storage only matters when provisioning runs on this host.
	if cfg.DaemonConfig(config.StageProvision).Enabled {
		storage := CheckDirectoryAccess("Storage directory", cfg.Paths.StorageDir)
		results = append(results, storage)
		if storage.Passed {
			results = append(results, CheckFreeSpace("Storage free space", cfg.Paths.StorageDir, uint64(cfg.Estimate.MinFreeGiB)<<30))
		}
	}

	results = append(results, CheckCoordination(ctx, cfg.Coord.Connect))
	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Summary joins failed check names for log fields.
func Summary(results []Result) string {
	names := make([]string, 0, len(results))
	for _, r := range Failed(results) {
		names = append(names, r.Name)
	}
	return strings.Join(names, ", ")
}
