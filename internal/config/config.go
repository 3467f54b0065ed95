package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	SourceDir     string `toml:"source_dir"`
	QuarantineDir string `toml:"quarantine_dir"`
	LogDir        string `toml:"log_dir"`
	APIBind       string `toml:"api_bind"`
}

// Destination describes one replication target root.
type Destination struct {
	ID       string `toml:"id"`
	RootPath string `toml:"root_path"`
	Enabled  bool   `toml:"enabled"`
}

// Detection contains stability-gating tunables for the source scanner.
type Detection struct {
	StabilityChecks     int      `toml:"stability_checks"`
	ScanIntervalSeconds int      `toml:"scan_interval_seconds"`
	ExcludeSuffixes     []string `toml:"exclude_suffixes"`
}

// Copy contains streaming copy and worker pool tunables.
type Copy struct {
	ChunkSizeKiB         int `toml:"chunk_size_kib"`
	Workers              int `toml:"workers"`
	MaxInFlight          int `toml:"max_in_flight"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// RetryPolicy describes backoff for one error category.
type RetryPolicy struct {
	MaxAttempts    int     `toml:"max_attempts"`
	BaseDelayMS    int     `toml:"base_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	JitterFraction float64 `toml:"jitter_fraction"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
}

// Retry groups the per-category retry policies.
type Retry struct {
	TransientFilesystem RetryPolicy `toml:"transient_filesystem"`
	TransientNetwork    RetryPolicy `toml:"transient_network"`
	ResourceExhaustion  RetryPolicy `toml:"resource_exhaustion"`
}

// Breaker contains per-destination circuit breaker tunables.
type Breaker struct {
	FailureThreshold   int `toml:"failure_threshold"`
	CooldownSeconds    int `toml:"cooldown_seconds"`
	MaxCooldownSeconds int `toml:"max_cooldown_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the replicator daemon.
type Config struct {
	Paths        Paths         `toml:"paths"`
	Destinations []Destination `toml:"destinations"`
	Detection    Detection     `toml:"detection"`
	Copy         Copy          `toml:"copy"`
	Retry        Retry         `toml:"retry"`
	Breaker      Breaker       `toml:"breaker"`
	Logging      Logging       `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/fanout/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
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
		if _, err := os.Stat(expanded); err != nil {
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
	projectPath, err := filepath.Abs("fanout.toml")
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

func (c *Config) normalize() error {
	var err error
	if c.Paths.SourceDir, err = expandPath(c.Paths.SourceDir); err != nil {
		return fmt.Errorf("paths.source_dir: %w", err)
	}
	if c.Paths.QuarantineDir, err = expandPath(c.Paths.QuarantineDir); err != nil {
		return fmt.Errorf("paths.quarantine_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	for i := range c.Destinations {
		c.Destinations[i].ID = strings.TrimSpace(c.Destinations[i].ID)
		if c.Destinations[i].RootPath, err = expandPath(c.Destinations[i].RootPath); err != nil {
			return fmt.Errorf("destinations[%d].root_path: %w", i, err)
		}
	}
	for i, suffix := range c.Detection.ExcludeSuffixes {
		c.Detection.ExcludeSuffixes[i] = strings.TrimSpace(suffix)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
// Destination roots are created on a best-effort basis so the daemon can
// start when external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.QuarantineDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, dest := range c.EnabledDestinations() {
		_ = os.MkdirAll(dest.RootPath, 0o755)
	}
	return nil
}

// EnabledDestinations returns destinations with Enabled set, preserving order.
func (c *Config) EnabledDestinations() []Destination {
	enabled := make([]Destination, 0, len(c.Destinations))
	for _, dest := range c.Destinations {
		if dest.Enabled {
			enabled = append(enabled, dest)
		}
	}
	return enabled
}

// ScanInterval returns the detection scan interval as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Detection.ScanIntervalSeconds) * time.Second
}

// ChunkSize returns the streaming copy chunk size in bytes.
func (c *Config) ChunkSize() int {
	return c.Copy.ChunkSizeKiB * 1024
}

// ShutdownGrace returns how long in-flight tasks may run after shutdown begins.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Copy.ShutdownGraceSeconds) * time.Second
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
