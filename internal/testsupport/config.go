package testsupport

import (
	"path/filepath"
	"testing"

	"accession/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and a process-local coordination store.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Coord.Connect = config.SchemeMemory
	cfgVal.Coord.RetryBackoffMS = 1
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StorageDir = filepath.Join(base, "storage")
	cfgVal.Workflow.Identity = "test-daemon"
	cfgVal.Metrics.Bind = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSQLiteStore points the config at a SQLite store inside the temp dir.
func WithSQLiteStore() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Coord.Connect = config.SchemeSQLite + filepath.Join(b.baseDir, "coord.db")
	}
}

// WithDaemon edits the settings for one stage daemon.
func WithDaemon(name string, edit func(*config.Daemon)) ConfigOption {
	return func(b *configBuilder) {
		d := b.cfg.DaemonConfig(name)
		edit(&d)
		b.cfg.Daemons[name] = d
	}
}

// WithOnlyDaemons disables every stage daemon not named.
func WithOnlyDaemons(names ...string) ConfigOption {
	return func(b *configBuilder) {
		keep := make(map[string]bool, len(names))
		for _, name := range names {
			keep[name] = true
		}
		for name, d := range b.cfg.Daemons {
			d.Enabled = keep[name]
			b.cfg.Daemons[name] = d
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
