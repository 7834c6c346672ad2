package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Source identifies one upstream account whose feed is polled for new videos.
type Source struct {
	Name     string `toml:"name"`
	AuthorID string `toml:"author_id"`
	URL      string `toml:"url"`
	Enabled  bool   `toml:"enabled"`
}

// Ingest contains configuration for source feed polling.
type Ingest struct {
	PollBatch int `toml:"poll_batch"`
}

// Stages contains per-stage retry and timeout policy.
//
// MaxAttempts maps a stage name (download, transcode, rewrite, publish) to
// its retryable-failure cap; TimeoutSeconds bounds each invocation's wall
// clock. Missing entries fall back to the defaults.
type Stages struct {
	MaxAttempts         map[string]int `toml:"max_attempts"`
	TimeoutSeconds      map[string]int `toml:"timeout_seconds"`
	RetryBackoffSeconds int            `toml:"retry_backoff_seconds"`
}

// Identities contains publishing-identity pacing policy.
type Identities struct {
	BaseCooldownMinutes     int `toml:"base_cooldown_minutes"`
	CooldownJitterPct       int `toml:"cooldown_jitter_pct"`
	FailureStreakLimit      int `toml:"failure_streak_limit"`
	StaleReservationMinutes int `toml:"stale_reservation_minutes"`
}

// Scheduler contains dispatch pacing and the global publish rate limit.
type Scheduler struct {
	TickSeconds          int `toml:"tick_seconds"`
	TickJitterPct        int `toml:"tick_jitter_pct"`
	MaxInflightUnits     int `toml:"max_inflight_units"`
	PublishWindowMinutes int `toml:"publish_window_minutes"`
	PublishLimit         int `toml:"publish_limit"`
}

// Download contains configuration for the video download collaborator.
type Download struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Transcode contains configuration for the ffmpeg re-encode collaborator.
type Transcode struct {
	Binary         string `toml:"binary"`
	Width          int    `toml:"width"`
	Height         int    `toml:"height"`
	FPS            int    `toml:"fps"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Rewrite contains caption-rewrite model connection settings.
type Rewrite struct {
	APIKey         string   `toml:"api_key"`
	BaseURL        string   `toml:"base_url"`
	Model          string   `toml:"model"`
	Temperature    float64  `toml:"temperature"`
	PromptTemplate string   `toml:"prompt_template"`
	TargetLanguage string   `toml:"target_language"`
	CustomTags     []string `toml:"custom_tags"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Publish contains the browser-automation publish collaborator settings.
type Publish struct {
	APIBase        string `toml:"api_base"`
	Platform       string `toml:"platform"`
	StayMinSeconds int    `toml:"stay_min_seconds"`
	StayMaxSeconds int    `toml:"stay_max_seconds"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Workflow contains daemon timing intervals.
type Workflow struct {
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for crosspost.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Sources: upstream accounts polled for new videos
//   - Ingest: feed poll batch sizing
//   - Stages: per-stage retry caps and timeouts
//   - Identities: publishing-identity cooldown and disable policy
//   - Scheduler: dispatch bounds and global publish rate limit
//   - Download / Transcode: external tool invocation settings
//   - Rewrite: caption-rewrite model connection
//   - Publish: fingerprint-browser automation endpoint
//   - Workflow: heartbeat and retry intervals
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Sources    []Source   `toml:"sources"`
	Ingest     Ingest     `toml:"ingest"`
	Stages     Stages     `toml:"stages"`
	Identities Identities `toml:"identities"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Download   Download   `toml:"download"`
	Transcode  Transcode  `toml:"transcode"`
	Rewrite    Rewrite    `toml:"rewrite"`
	Publish    Publish    `toml:"publish"`
	Workflow   Workflow   `toml:"workflow"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/crosspost/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was found.
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
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	projectPath, err := filepath.Abs("crosspost.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the staging, library, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LibraryDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// UnitStagingDir returns the per-unit workspace under the staging root.
func (c *Config) UnitStagingDir(unitID int64) string {
	return filepath.Join(c.Paths.StagingDir, fmt.Sprintf("unit-%06d", unitID))
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnabledSources returns the sources with Enabled set.
func (c *Config) EnabledSources() []Source {
	out := make([]Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// StageMaxAttempts returns the retry cap for a stage name.
func (c *Config) StageMaxAttempts(stage string) int {
	if n, ok := c.Stages.MaxAttempts[stage]; ok && n > 0 {
		return n
	}
	return defaultStageMaxAttempts
}

// StageTimeoutSeconds returns the wall-clock timeout for a stage name.
func (c *Config) StageTimeoutSeconds(stage string) int {
	if n, ok := c.Stages.TimeoutSeconds[stage]; ok && n > 0 {
		return n
	}
	return defaultStageTimeoutSeconds
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", trimmed, err)
	}
	return abs, nil
}
