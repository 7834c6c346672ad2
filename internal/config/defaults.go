package config

const (
	defaultStagingDir = "~/.local/share/crosspost/staging"
	defaultLibraryDir = "~/.local/share/crosspost/library"
	defaultLogDir     = "~/.local/share/crosspost/logs"
	defaultAPIBind    = "127.0.0.1:7519"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultIngestPollBatch = 10

	defaultStageMaxAttempts    = 3
	defaultStageTimeoutSeconds = 600
	defaultRetryBackoffSeconds = 15

	defaultBaseCooldownMinutes     = 45
	defaultCooldownJitterPct       = 30
	defaultFailureStreakLimit      = 3
	defaultStaleReservationMinutes = 30

	defaultTickSeconds          = 30
	defaultTickJitterPct        = 20
	defaultMaxInflightUnits     = 4
	defaultPublishWindowMinutes = 60
	defaultPublishLimit         = 6

	defaultDownloadBinary         = "yt-dlp"
	defaultDownloadTimeoutSeconds = 900

	defaultTranscodeBinary         = "ffmpeg"
	defaultTranscodeWidth          = 1080
	defaultTranscodeHeight         = 1920
	defaultTranscodeFPS            = 30
	defaultTranscodeTimeoutSeconds = 1800

	defaultRewriteBaseURL        = "https://api.siliconflow.cn/v1"
	defaultRewriteModel          = "deepseek-ai/DeepSeek-V3"
	defaultRewriteTemperature    = 0.7
	defaultRewriteTargetLanguage = "en"
	defaultRewriteTimeoutSeconds = 60

	defaultPublishAPIBase        = "http://127.0.0.1:50213"
	defaultPublishPlatform       = "tiktok"
	defaultPublishStayMinSeconds = 20
	defaultPublishStayMaxSeconds = 60
	defaultPublishTimeoutSeconds = 900

	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultErrorRetryInterval = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Ingest: Ingest{
			PollBatch: defaultIngestPollBatch,
		},
		Stages: Stages{
			MaxAttempts:         map[string]int{},
			TimeoutSeconds:      map[string]int{},
			RetryBackoffSeconds: defaultRetryBackoffSeconds,
		},
		Identities: Identities{
			BaseCooldownMinutes:     defaultBaseCooldownMinutes,
			CooldownJitterPct:       defaultCooldownJitterPct,
			FailureStreakLimit:      defaultFailureStreakLimit,
			StaleReservationMinutes: defaultStaleReservationMinutes,
		},
		Scheduler: Scheduler{
			TickSeconds:          defaultTickSeconds,
			TickJitterPct:        defaultTickJitterPct,
			MaxInflightUnits:     defaultMaxInflightUnits,
			PublishWindowMinutes: defaultPublishWindowMinutes,
			PublishLimit:         defaultPublishLimit,
		},
		Download: Download{
			Binary:         defaultDownloadBinary,
			TimeoutSeconds: defaultDownloadTimeoutSeconds,
		},
		Transcode: Transcode{
			Binary:         defaultTranscodeBinary,
			Width:          defaultTranscodeWidth,
			Height:         defaultTranscodeHeight,
			FPS:            defaultTranscodeFPS,
			TimeoutSeconds: defaultTranscodeTimeoutSeconds,
		},
		Rewrite: Rewrite{
			BaseURL:        defaultRewriteBaseURL,
			Model:          defaultRewriteModel,
			Temperature:    defaultRewriteTemperature,
			TargetLanguage: defaultRewriteTargetLanguage,
			TimeoutSeconds: defaultRewriteTimeoutSeconds,
		},
		Publish: Publish{
			APIBase:        defaultPublishAPIBase,
			Platform:       defaultPublishPlatform,
			StayMinSeconds: defaultPublishStayMinSeconds,
			StayMaxSeconds: defaultPublishStayMaxSeconds,
			TimeoutSeconds: defaultPublishTimeoutSeconds,
		},
		Workflow: Workflow{
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
