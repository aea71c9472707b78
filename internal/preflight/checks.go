package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"accession/internal/config"
	"accession/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckFreeSpace verifies at least required bytes are available under path.
func CheckFreeSpace(name, path string, required uint64) Result {
	free, err := FreeSpace(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if free < required {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s free, need %s)",
			path, humanize.IBytes(free), humanize.IBytes(required))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s free)", path, humanize.IBytes(free))}
}

// CheckCoordination verifies the coordination store location is usable
// without opening a session.
func CheckCoordination(_ context.Context, connect string) Result {
	const name = "Coordination store"

	connect = strings.TrimSpace(connect)
	switch {
	case connect == config.SchemeMemory:
		return Result{Name: name, Passed: true, Detail: "process-local store (single daemon only)"}
	case strings.HasPrefix(connect, config.SchemeSQLite):
		path := strings.TrimPrefix(connect, config.SchemeSQLite)
		dir := CheckDirectoryAccess(name, filepath.Dir(path))
		if !dir.Passed {
			return dir
		}
		return Result{Name: name, Passed: true, Detail: path}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("unsupported connect string %q", connect)}
	}
}

// CheckSystemDeps reports the availability of every enabled stage's command.
// Both the daemon and the CLI status command use this to avoid duplicating
// the requirements list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	if cfg == nil {
		return nil
	}
	var requirements []deps.Requirement
	for _, stage := range cfg.EnabledDaemons() {
		command := cfg.DaemonConfig(stage).Command
		if len(command) == 0 {
			continue
		}
		requirements = append(requirements, deps.Requirement{
			Name:        stage,
			Command:     command[0],
			Description: fmt.Sprintf("Runs the %s stage", stage),
		})
	}
	return deps.CheckBinaries(requirements)
}
