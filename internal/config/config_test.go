package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	base := t.TempDir()
	path := writeConfigFile(t, `
[paths]
staging_dir = "`+filepath.Join(base, "staging")+`"
library_dir = "`+filepath.Join(base, "library")+`"
log_dir = "`+filepath.Join(base, "logs")+`"
`)

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be reported as found")
	}
	if resolved != path {
		t.Fatalf("expected resolved path %s, got %s", path, resolved)
	}
	if cfg.Scheduler.TickSeconds != defaultTickSeconds {
		t.Fatalf("expected default tick seconds, got %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Download.Binary != defaultDownloadBinary {
		t.Fatalf("expected default download binary, got %q", cfg.Download.Binary)
	}
	if cfg.Logging.Format != defaultLogFormat {
		t.Fatalf("expected default log format, got %q", cfg.Logging.Format)
	}
	if cfg.StageMaxAttempts("download") != defaultStageMaxAttempts {
		t.Fatalf("expected default attempts, got %d", cfg.StageMaxAttempts("download"))
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	base := t.TempDir()
	path := writeConfigFile(t, `
[paths]
staging_dir = "`+filepath.Join(base, "staging")+`"
library_dir = "`+filepath.Join(base, "library")+`"
log_dir = "`+filepath.Join(base, "logs")+`"

[stages]
retry_backoff_seconds = 5

[stages.max_attempts]
publish = 7

[publish]
api_base = "http://127.0.0.1:9999/"
stay_min_seconds = 30
stay_max_seconds = 10

[logging]
format = "JSON"
level = "Debug"
`)

	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StageMaxAttempts("publish") != 7 {
		t.Fatalf("expected publish attempts 7, got %d", cfg.StageMaxAttempts("publish"))
	}
	if cfg.Stages.RetryBackoffSeconds != 5 {
		t.Fatalf("expected backoff 5, got %d", cfg.Stages.RetryBackoffSeconds)
	}
	if strings.HasSuffix(cfg.Publish.APIBase, "/") {
		t.Fatalf("expected trailing slash stripped, got %q", cfg.Publish.APIBase)
	}
	if cfg.Publish.StayMaxSeconds != cfg.Publish.StayMinSeconds {
		t.Fatalf("expected stay max clamped to min, got %d", cfg.Publish.StayMaxSeconds)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected lowercased logging settings, got %q/%q", cfg.Logging.Format, cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	base := t.TempDir()
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing staging dir",
			body: `
[paths]
library_dir = "` + filepath.Join(base, "library") + `"
log_dir = "` + filepath.Join(base, "logs") + `"
`,
			want: "staging_dir",
		},
		{
			name: "unknown stage",
			body: `
[paths]
staging_dir = "` + filepath.Join(base, "staging") + `"
library_dir = "` + filepath.Join(base, "library") + `"
log_dir = "` + filepath.Join(base, "logs") + `"

[stages.max_attempts]
upload = 3
`,
			want: "unknown stage",
		},
		{
			name: "bad log format",
			body: `
[paths]
staging_dir = "` + filepath.Join(base, "staging") + `"
library_dir = "` + filepath.Join(base, "library") + `"
log_dir = "` + filepath.Join(base, "logs") + `"

[logging]
format = "xml"
`,
			want: "logging.format",
		},
		{
			name: "source without target",
			body: `
[paths]
staging_dir = "` + filepath.Join(base, "staging") + `"
library_dir = "` + filepath.Join(base, "library") + `"
log_dir = "` + filepath.Join(base, "logs") + `"

[[sources]]
name = "empty"
enabled = true
`,
			want: "author_id or url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.body)
			_, _, _, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSampleConfigParses(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("sample config must load: %v", err)
	}
	if cfg.Transcode.Width != defaultTranscodeWidth || cfg.Transcode.Height != defaultTranscodeHeight {
		t.Fatalf("sample transcode profile drifted from defaults: %dx%d", cfg.Transcode.Width, cfg.Transcode.Height)
	}
}

func TestUnitStagingDir(t *testing.T) {
	cfgVal := Default()
	cfgVal.Paths.StagingDir = "/tmp/stage"
	got := cfgVal.UnitStagingDir(42)
	if got != filepath.Join("/tmp/stage", "unit-000042") {
		t.Fatalf("unexpected unit staging dir %q", got)
	}
}
