package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSources()
	c.normalizeIngest()
	c.normalizeStages()
	c.normalizeIdentities()
	c.normalizeScheduler()
	c.normalizeTools()
	c.normalizeRewrite()
	c.normalizePublish()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeSources() {
	for i := range c.Sources {
		c.Sources[i].Name = strings.TrimSpace(c.Sources[i].Name)
		c.Sources[i].AuthorID = strings.TrimSpace(c.Sources[i].AuthorID)
		c.Sources[i].URL = strings.TrimSpace(c.Sources[i].URL)
	}
}

func (c *Config) normalizeIngest() {
	if c.Ingest.PollBatch <= 0 {
		c.Ingest.PollBatch = defaultIngestPollBatch
	}
}

func (c *Config) normalizeStages() {
	if c.Stages.MaxAttempts == nil {
		c.Stages.MaxAttempts = map[string]int{}
	}
	if c.Stages.TimeoutSeconds == nil {
		c.Stages.TimeoutSeconds = map[string]int{}
	}
	if c.Stages.RetryBackoffSeconds <= 0 {
		c.Stages.RetryBackoffSeconds = defaultRetryBackoffSeconds
	}
}

func (c *Config) normalizeIdentities() {
	if c.Identities.BaseCooldownMinutes <= 0 {
		c.Identities.BaseCooldownMinutes = defaultBaseCooldownMinutes
	}
	if c.Identities.CooldownJitterPct < 0 {
		c.Identities.CooldownJitterPct = 0
	}
	if c.Identities.FailureStreakLimit <= 0 {
		c.Identities.FailureStreakLimit = defaultFailureStreakLimit
	}
	if c.Identities.StaleReservationMinutes <= 0 {
		c.Identities.StaleReservationMinutes = defaultStaleReservationMinutes
	}
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = defaultTickSeconds
	}
	if c.Scheduler.TickJitterPct < 0 {
		c.Scheduler.TickJitterPct = 0
	}
	if c.Scheduler.MaxInflightUnits <= 0 {
		c.Scheduler.MaxInflightUnits = defaultMaxInflightUnits
	}
	if c.Scheduler.PublishWindowMinutes <= 0 {
		c.Scheduler.PublishWindowMinutes = defaultPublishWindowMinutes
	}
	if c.Scheduler.PublishLimit <= 0 {
		c.Scheduler.PublishLimit = defaultPublishLimit
	}
}

func (c *Config) normalizeTools() {
	if strings.TrimSpace(c.Download.Binary) == "" {
		c.Download.Binary = defaultDownloadBinary
	}
	if c.Download.TimeoutSeconds <= 0 {
		c.Download.TimeoutSeconds = defaultDownloadTimeoutSeconds
	}
	if strings.TrimSpace(c.Transcode.Binary) == "" {
		c.Transcode.Binary = defaultTranscodeBinary
	}
	if c.Transcode.Width <= 0 {
		c.Transcode.Width = defaultTranscodeWidth
	}
	if c.Transcode.Height <= 0 {
		c.Transcode.Height = defaultTranscodeHeight
	}
	if c.Transcode.FPS <= 0 {
		c.Transcode.FPS = defaultTranscodeFPS
	}
	if c.Transcode.TimeoutSeconds <= 0 {
		c.Transcode.TimeoutSeconds = defaultTranscodeTimeoutSeconds
	}
}

func (c *Config) normalizeRewrite() {
	c.Rewrite.APIKey = strings.TrimSpace(c.Rewrite.APIKey)
	if strings.TrimSpace(c.Rewrite.BaseURL) == "" {
		c.Rewrite.BaseURL = defaultRewriteBaseURL
	}
	if strings.TrimSpace(c.Rewrite.Model) == "" {
		c.Rewrite.Model = defaultRewriteModel
	}
	if c.Rewrite.Temperature <= 0 {
		c.Rewrite.Temperature = defaultRewriteTemperature
	}
	if strings.TrimSpace(c.Rewrite.TargetLanguage) == "" {
		c.Rewrite.TargetLanguage = defaultRewriteTargetLanguage
	}
	if c.Rewrite.TimeoutSeconds <= 0 {
		c.Rewrite.TimeoutSeconds = defaultRewriteTimeoutSeconds
	}
}

func (c *Config) normalizePublish() {
	if strings.TrimSpace(c.Publish.APIBase) == "" {
		c.Publish.APIBase = defaultPublishAPIBase
	}
	c.Publish.APIBase = strings.TrimRight(c.Publish.APIBase, "/")
	if strings.TrimSpace(c.Publish.Platform) == "" {
		c.Publish.Platform = defaultPublishPlatform
	}
	if c.Publish.StayMinSeconds <= 0 {
		c.Publish.StayMinSeconds = defaultPublishStayMinSeconds
	}
	if c.Publish.StayMaxSeconds < c.Publish.StayMinSeconds {
		c.Publish.StayMaxSeconds = c.Publish.StayMinSeconds
	}
	if c.Publish.TimeoutSeconds <= 0 {
		c.Publish.TimeoutSeconds = defaultPublishTimeoutSeconds
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		c.Workflow.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
