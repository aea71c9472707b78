package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Coord describes how daemons reach the coordination store.
type Coord struct {
	// Connect is "sqlite://<path>" for the shared store or "mem://" for a
	// process-local store.
	Connect        string `toml:"connect"`
	Root           string `toml:"root"`
	SessionTimeout int    `toml:"session_timeout"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
}

// Paths contains directory configuration.
type Paths struct {
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	StorageDir string `toml:"storage_dir"`
}

// Holds names the hold flags inside the coordination store root.
type Holds struct {
	Global      string `toml:"global"`
	Collections string `toml:"collections"`
}

// Workflow contains daemon-wide timing.
type Workflow struct {
	Identity           string `toml:"identity"`
	ShutdownGrace      int    `toml:"shutdown_grace"`
	ErrorRetryInterval int    `toml:"error_retry_interval"`
}

// Daemon configures one consumer daemon.
type Daemon struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval int      `toml:"poll_interval"`
	Workers      int      `toml:"workers"`
	MaxPriority  *int     `toml:"max_priority"`
	Command      []string `toml:"command"`
	Timeout      int      `toml:"timeout"`
}

// Estimate configures the size estimation stage.
type Estimate struct {
	UnknownSizePenalty int `toml:"unknown_size_penalty"`
	HeadTimeout        int `toml:"head_timeout"`
	MinFreeGiB         int `toml:"min_free_gib"`
}

// Cleanup configures the cleanup daemon.
type Cleanup struct {
	Enabled            bool `toml:"enabled"`
	Interval           int  `toml:"interval"`
	CompletedRetention int  `toml:"completed_retention"`
	FailedGrace        int  `toml:"failed_grace"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications configures ntfy messages sent when batches are reported.
// An empty topic disables them.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Metrics configures the HTTP endpoint serving /metrics and the read-only
// status API. An empty bind disables it. A non-empty token requires a
// bearer header on /api routes.
type Metrics struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Config encapsulates all configuration values for accession.
//
// Configuration sections by subsystem:
//   - Coord: coordination store connection and session recovery
//   - Paths: state, log, and storage directories
//   - Holds: hold flag names inside the store
//   - Workflow: identity and shutdown timing
//   - Daemons: per-stage consumer settings keyed by stage name
//   - Estimate: unknown-size penalty and probing
//   - Cleanup: retention of terminal entities
//   - Logging: log format, level, and retention
//   - Notifications: ntfy batch report messages
//   - Metrics: Prometheus and status API endpoint
type Config struct {
	Coord    Coord             `toml:"coord"`
	Paths    Paths             `toml:"paths"`
	Holds    Holds             `toml:"holds"`
	Workflow Workflow          `toml:"workflow"`
	Daemons  map[string]Daemon `toml:"daemons"`
	Estimate Estimate          `toml:"estimate"`
	Cleanup  Cleanup           `toml:"cleanup"`
	Logging  Logging           `toml:"logging"`
	Metrics  Metrics           `toml:"metrics"`

	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/accession/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("accession.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.StorageDir) != "" {
		// Best effort; provisioning reports the failure per job.
		_ = os.MkdirAll(c.Paths.StorageDir, 0o755)
	}
	if path, ok := c.SQLitePath(); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create coordination store directory: %w", err)
		}
	}
	return nil
}

// SQLitePath returns the database path when the store is SQLite backed.
func (c *Config) SQLitePath() (string, bool) {
	if rest, ok := strings.CutPrefix(c.Coord.Connect, SchemeSQLite); ok {
		return rest, true
	}
	return "", false
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "accessiond.sock")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "accessiond.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "accessiond.pid")
}

// SessionTimeout returns the coordination session timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Coord.SessionTimeout) * time.Second
}

// RetryBackoff returns the fixed backoff between session recovery attempts.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Coord.RetryBackoffMS) * time.Millisecond
}

// ShutdownGrace returns how long in-flight workers may run after a stop request.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Workflow.ShutdownGrace) * time.Second
}

// ErrorRetryInterval returns how long a daemon waits after a failed poll cycle.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Workflow.ErrorRetryInterval) * time.Second
}

// NotificationTimeout is the ntfy request timeout.
func (c *Config) NotificationTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeout) * time.Second
}

// DaemonConfig returns the settings for a stage, falling back to defaults for
// stages missing from the file.
func (c *Config) DaemonConfig(name string) Daemon {
	if d, ok := c.Daemons[name]; ok {
		return d
	}
	return defaultDaemon(name)
}

// PollIntervalDuration returns the poll interval for a stage.
func (d Daemon) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Second
}

// TimeoutDuration returns the per-item command timeout, zero meaning none.
func (d Daemon) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// EnabledDaemons returns the enabled stage names in pipeline order.
func (c *Config) EnabledDaemons() []string {
	names := make([]string, 0, len(StageNames))
	for _, name := range StageNames {
		if c.DaemonConfig(name).Enabled {
			names = append(names, name)
		}
	}
	return names
}

// IsStage reports whether name is a known stage daemon.
func IsStage(name string) bool {
	return slices.Contains(StageNames, name)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
