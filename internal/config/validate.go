package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownStages = map[string]struct{}{
	"download":  {},
	"transcode": {},
	"rewrite":   {},
	"publish":   {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateIdentities(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.AuthorID == "" && src.URL == "" {
			return fmt.Errorf("sources[%d]: author_id or url must be set", i)
		}
		key := src.AuthorID + "|" + src.URL
		if _, ok := seen[key]; ok {
			return fmt.Errorf("sources[%d]: duplicate source %q", i, src.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (c *Config) validateStages() error {
	for name, attempts := range c.Stages.MaxAttempts {
		if _, ok := knownStages[name]; !ok {
			return fmt.Errorf("stages.max_attempts: unknown stage %q", name)
		}
		if attempts <= 0 {
			return fmt.Errorf("stages.max_attempts.%s must be positive", name)
		}
	}
	for name, timeout := range c.Stages.TimeoutSeconds {
		if _, ok := knownStages[name]; !ok {
			return fmt.Errorf("stages.timeout_seconds: unknown stage %q", name)
		}
		if timeout <= 0 {
			return fmt.Errorf("stages.timeout_seconds.%s must be positive", name)
		}
	}
	return nil
}

func (c *Config) validateIdentities() error {
	if c.Identities.CooldownJitterPct > 100 {
		return errors.New("identities.cooldown_jitter_pct must be between 0 and 100")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.TickJitterPct > 100 {
		return errors.New("scheduler.tick_jitter_pct must be between 0 and 100")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
