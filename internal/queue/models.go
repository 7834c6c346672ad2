package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a content unit.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusTranscoding Status = "transcoding"
	StatusTranscoded  Status = "transcoded"
	StatusRewriting   Status = "rewriting"
	StatusRewritten   Status = "rewritten"
	StatusPublishing  Status = "publishing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Stage names shared with config, workflow, and the stage handlers.
const (
	StageDownload  = "download"
	StageTranscode = "transcode"
	StageRewrite   = "rewrite"
	StagePublish   = "publish"
)

// StageNames returns the pipeline stages in execution order.
func StageNames() []string {
	return []string{StageDownload, StageTranscode, StageRewrite, StagePublish}
}

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusTranscoding,
	StatusTranscoded,
	StatusRewriting,
	StatusRewritten,
	StatusPublishing,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusDownloading: {},
	StatusTranscoding: {},
	StatusRewriting:   {},
	StatusPublishing:  {},
}

type statusTransition struct {
	from Status
	to   Status
}

// Stuck in-flight statuses roll back to the start status of their stage so a
// restarted daemon re-runs only the interrupted stage. Publishing is handled
// separately: the publish token decides whether the post already landed.
var stageRollbackTransitions = []statusTransition{
	{from: StatusDownloading, to: StatusPending},
	{from: StatusTranscoding, to: StatusDownloaded},
	{from: StatusRewriting, to: StatusTranscoded},
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
}

// Unit represents one source video carried through the pipeline, persisted
// in SQLite and keyed by its content fingerprint.
type Unit struct {
	ID               int64
	Fingerprint      string
	SourceURL        string
	AuthorID         string
	Title            string
	Status           Status
	Attempts         map[string]int
	Artifacts        map[string]string
	AssignedIdentity int64
	PublishToken     string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastHeartbeat    *time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (u Unit) IsProcessing() bool {
	_, ok := processingStatuses[u.Status]
	return ok
}

// IsTerminal reports whether the unit has reached completed or failed.
func (u Unit) IsTerminal() bool {
	return u.Status == StatusCompleted || u.Status == StatusFailed
}

// AttemptCount returns the retryable attempts consumed for a stage.
func (u Unit) AttemptCount(stage string) int {
	if u.Attempts == nil {
		return 0
	}
	return u.Attempts[stage]
}

// IncrementAttempt records one more consumed attempt for a stage.
func (u *Unit) IncrementAttempt(stage string) {
	if u.Attempts == nil {
		u.Attempts = make(map[string]int, 4)
	}
	u.Attempts[stage]++
}

// Artifact returns the artifact recorded by a stage, if any.
func (u Unit) Artifact(stage string) (string, bool) {
	if u.Artifacts == nil {
		return "", false
	}
	value, ok := u.Artifacts[stage]
	return value, ok && value != ""
}

// SetArtifact records the artifact a stage produced.
func (u *Unit) SetArtifact(stage, value string) {
	if u.Artifacts == nil {
		u.Artifacts = make(map[string]string, 4)
	}
	u.Artifacts[stage] = value
}

// ClearArtifact discards a stage's artifact, used when a timed-out attempt
// leaves a partial file behind.
func (u *Unit) ClearArtifact(stage string) {
	if u.Artifacts != nil {
		delete(u.Artifacts, stage)
	}
}

// SetFailed marks the unit failed with the given operator-facing message.
func (u *Unit) SetFailed(message string) {
	u.Status = StatusFailed
	u.ErrorMessage = message
	u.LastHeartbeat = nil
}
