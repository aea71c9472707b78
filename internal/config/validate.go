package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCoord(); err != nil {
		return err
	}
	if err := c.validateDaemons(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCoord() error {
	switch {
	case c.Coord.Connect == SchemeMemory:
	case strings.HasPrefix(c.Coord.Connect, SchemeSQLite):
		if strings.TrimPrefix(c.Coord.Connect, SchemeSQLite) == "" {
			return errors.New("coord.connect: sqlite path must be set")
		}
	default:
		return fmt.Errorf("coord.connect: unsupported store %q (use %s<path> or %s)", c.Coord.Connect, SchemeSQLite, SchemeMemory)
	}
	if c.Coord.Root == "/" {
		return errors.New("coord.root must not be the store root")
	}
	if c.Coord.RetryAttempts > 20 {
		return errors.New("coord.retry_attempts must be 20 or fewer")
	}
	return nil
}

func (c *Config) validateDaemons() error {
	names := make([]string, 0, len(c.Daemons))
	for name := range c.Daemons {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !IsStage(name) {
			return fmt.Errorf("daemons.%s: unknown stage (known: %s)", name, strings.Join(StageNames, ", "))
		}
		d := c.Daemons[name]
		if d.Workers > 256 {
			return fmt.Errorf("daemons.%s.workers must be 256 or fewer", name)
		}
		if len(d.Command) > 0 && (name == StageBatchStart || name == StageBatchWatch) {
			return fmt.Errorf("daemons.%s.command is not supported for this stage", name)
		}
	}
	if len(c.EnabledDaemons()) == 0 && !c.Cleanup.Enabled {
		return errors.New("no daemons enabled")
	}
	return nil
}

func (c *Config) validateCleanup() error {
	if c.Cleanup.Enabled && c.Cleanup.Interval < 1 {
		return errors.New("cleanup.interval must be at least 1 second")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Bind == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Bind); err != nil {
		return fmt.Errorf("metrics.bind: %w", err)
	}
	return nil
}
