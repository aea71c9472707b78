package config

import (
	"fmt"
	"os"
	"path"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeCoord(); err != nil {
		return err
	}
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeHolds()
	c.normalizeWorkflow()
	c.normalizeDaemons()
	c.normalizeEstimate()
	c.normalizeCleanup()
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	c.Metrics.Token = strings.TrimSpace(c.Metrics.Token)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizeCoord() error {
	if value, ok := os.LookupEnv(coordinationEnvOverride); ok && strings.TrimSpace(value) != "" {
		c.Coord.Connect = value
	}
	c.Coord.Connect = strings.TrimSpace(c.Coord.Connect)
	if c.Coord.Connect == "" {
		c.Coord.Connect = defaultCoordConnect
	}
	if rest, ok := strings.CutPrefix(c.Coord.Connect, SchemeSQLite); ok {
		expanded, err := expandPath(rest)
		if err != nil {
			return fmt.Errorf("coord.connect: %w", err)
		}
		c.Coord.Connect = SchemeSQLite + expanded
	}

	root := strings.TrimSpace(c.Coord.Root)
	if root == "" {
		root = defaultCoordRoot
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	c.Coord.Root = path.Clean(root)

	if c.Coord.SessionTimeout <= 0 {
		c.Coord.SessionTimeout = defaultSessionTimeout
	}
	if c.Coord.RetryAttempts <= 0 {
		c.Coord.RetryAttempts = defaultRetryAttempts
	}
	if c.Coord.RetryBackoffMS < 0 {
		c.Coord.RetryBackoffMS = defaultRetryBackoffMS
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.StorageDir, err = expandPath(strings.TrimSpace(c.Paths.StorageDir)); err != nil {
		return fmt.Errorf("paths.storage_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeHolds() {
	c.Holds.Global = strings.Trim(strings.TrimSpace(c.Holds.Global), "/")
	if c.Holds.Global == "" {
		c.Holds.Global = defaultHoldGlobal
	}
	c.Holds.Collections = strings.Trim(strings.TrimSpace(c.Holds.Collections), "/")
	if c.Holds.Collections == "" {
		c.Holds.Collections = defaultHoldCollections
	}
}

func (c *Config) normalizeWorkflow() {
	if value, ok := os.LookupEnv(identityEnvOverride); ok && strings.TrimSpace(value) != "" {
		c.Workflow.Identity = value
	}
	c.Workflow.Identity = strings.TrimSpace(c.Workflow.Identity)
	if c.Workflow.Identity == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Workflow.Identity = host
		} else {
			c.Workflow.Identity = "accessiond"
		}
	}
	if c.Workflow.ShutdownGrace < 0 {
		c.Workflow.ShutdownGrace = 0
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeDaemons() {
	if c.Daemons == nil {
		c.Daemons = make(map[string]Daemon, len(StageNames))
	}
	normalized := make(map[string]Daemon, len(c.Daemons))
	for name, d := range c.Daemons {
		key := strings.ToLower(strings.TrimSpace(name))
		if d.PollInterval < 0 {
			d.PollInterval = defaultPollInterval
		}
		if d.Workers <= 0 {
			d.Workers = defaultDaemon(key).Workers
		}
		if d.Timeout < 0 {
			d.Timeout = 0
		}
		command := make([]string, 0, len(d.Command))
		for _, arg := range d.Command {
			if trimmed := strings.TrimSpace(arg); trimmed != "" {
				command = append(command, trimmed)
			}
		}
		d.Command = command
		normalized[key] = d
	}
	c.Daemons = normalized
}

func (c *Config) normalizeEstimate() {
	if c.Estimate.UnknownSizePenalty < 0 {
		c.Estimate.UnknownSizePenalty = 0
	}
	if c.Estimate.HeadTimeout <= 0 {
		c.Estimate.HeadTimeout = defaultHeadTimeout
	}
	if c.Estimate.MinFreeGiB < 0 {
		c.Estimate.MinFreeGiB = 0
	}
}

func (c *Config) normalizeCleanup() {
	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = defaultCleanupInterval
	}
	if c.Cleanup.CompletedRetention < 0 {
		c.Cleanup.CompletedRetention = 0
	}
	if c.Cleanup.FailedGrace < 0 {
		c.Cleanup.FailedGrace = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
