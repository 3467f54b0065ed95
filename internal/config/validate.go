package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDestinations(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateCopy(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.SourceDir) == "" {
		return errors.New("paths.source_dir must be set")
	}
	if strings.TrimSpace(c.Paths.QuarantineDir) == "" {
		return errors.New("paths.quarantine_dir must be set")
	}
	return nil
}

func (c *Config) validateDestinations() error {
	if len(c.EnabledDestinations()) == 0 {
		return errors.New("destinations: at least one enabled destination is required")
	}
	seen := make(map[string]struct{}, len(c.Destinations))
	for i, dest := range c.Destinations {
		if dest.ID == "" {
			return fmt.Errorf("destinations[%d]: id must be set", i)
		}
		if _, ok := seen[dest.ID]; ok {
			return fmt.Errorf("destinations: duplicate id %q", dest.ID)
		}
		seen[dest.ID] = struct{}{}
		if strings.TrimSpace(dest.RootPath) == "" {
			return fmt.Errorf("destinations[%d] (%s): root_path must be set", i, dest.ID)
		}
		if dest.RootPath == c.Paths.SourceDir {
			return fmt.Errorf("destinations[%d] (%s): root_path must differ from paths.source_dir", i, dest.ID)
		}
	}
	return nil
}

func (c *Config) validateDetection() error {
	if c.Detection.StabilityChecks < 1 {
		return errors.New("detection.stability_checks must be at least 1")
	}
	if c.Detection.ScanIntervalSeconds < 1 {
		return errors.New("detection.scan_interval_seconds must be at least 1")
	}
	return nil
}

func (c *Config) validateCopy() error {
	if c.Copy.ChunkSizeKiB < 1 {
		return errors.New("copy.chunk_size_kib must be at least 1")
	}
	if c.Copy.Workers < 1 {
		return errors.New("copy.workers must be at least 1")
	}
	if c.Copy.MaxInFlight < c.Copy.Workers {
		return errors.New("copy.max_in_flight must be at least copy.workers")
	}
	if c.Copy.ShutdownGraceSeconds < 0 {
		return errors.New("copy.shutdown_grace_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateRetry() error {
	for name, policy := range map[string]RetryPolicy{
		"retry.transient_filesystem": c.Retry.TransientFilesystem,
		"retry.transient_network":    c.Retry.TransientNetwork,
		"retry.resource_exhaustion":  c.Retry.ResourceExhaustion,
	} {
		if policy.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be at least 1", name)
		}
		if policy.BaseDelayMS < 1 {
			return fmt.Errorf("%s.base_delay_ms must be at least 1", name)
		}
		if policy.Multiplier < 1 {
			return fmt.Errorf("%s.multiplier must be at least 1", name)
		}
		if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
			return fmt.Errorf("%s.jitter_fraction must be between 0 and 1", name)
		}
		if policy.MaxDelayMS < policy.BaseDelayMS {
			return fmt.Errorf("%s.max_delay_ms must be at least base_delay_ms", name)
		}
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.CooldownSeconds < 1 {
		return errors.New("breaker.cooldown_seconds must be at least 1")
	}
	if c.Breaker.MaxCooldownSeconds < c.Breaker.CooldownSeconds {
		return errors.New("breaker.max_cooldown_seconds must be at least breaker.cooldown_seconds")
	}
	return nil
}
