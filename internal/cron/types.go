// Package cron implements a persistent per-tenant job scheduler that fires
// stored prompts against an injected executor on three kinds of schedules:
//   - "at":    one-shot execution at an absolute timestamp
//   - "every": fixed interval anchored to a reference instant
//   - "cron":  standard 5-field cron expression (parsed by gronx) in a timezone
//
// All state mutations are serialized behind a single mutex; the executor runs
// outside it. Jobs survive restarts through an atomic snapshot store.
package cron

import "context"

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Run trigger sources.
const (
	SourceTimer   = "timer"
	SourceCron    = "cron"
	SourceManual  = "manual"
	SourceCatchup = "startup-catchup"
	SourceRetry   = "retry"
)

// Run outcome statuses.
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusMissed = "missed"
)

// Schedule defines when a job fires. Kind selects which fields apply.
type Schedule struct {
	Kind     string `json:"kind"`
	AtMS     int64  `json:"atMs,omitempty"`     // "at": absolute epoch-ms
	EveryMS  int64  `json:"everyMs,omitempty"`  // "every": interval, >= 1000
	AnchorMS int64  `json:"anchorMs,omitempty"` // "every": cadence anchor, defaults to creation time
	Expr     string `json:"expr,omitempty"`     // "cron": 5-field expression
	TZ       string `json:"tz,omitempty"`       // "cron": IANA zone name
}

// Policy controls lateness tolerance and retry behavior for a job.
type Policy struct {
	MaxLatenessMS  int64 `json:"maxLatenessMs"`
	RetryMax       int   `json:"retryMax"`
	RetryBackoffMS int64 `json:"retryBackoffMs"`
	DeleteAfterRun bool  `json:"deleteAfterRun,omitempty"`
}

// JobState is the mutable runtime block. Only the serialized mutation path
// writes it.
type JobState struct {
	NextRunAtMS         int64  `json:"nextRunAtMs"` // 0 = not scheduled
	RunningRunID        string `json:"runningRunId,omitempty"`
	RunningAtMS         *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMS         *int64 `json:"lastRunAtMs,omitempty"`
	LastDurationMS      *int64 `json:"lastDurationMs,omitempty"`
	LastStatus          string `json:"lastStatus,omitempty"` // ok|error|missed
	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures,omitempty"`
}

// Job is a stored scheduled job.
type Job struct {
	ID          string   `json:"id"`
	Tenant      int64    `json:"tenant"`
	Name        string   `json:"name"`
	Prompt      string   `json:"prompt"`
	Enabled     bool     `json:"enabled"`
	CreatedAtMS int64    `json:"createdAtMs"`
	UpdatedAtMS int64    `json:"updatedAtMs"`
	Schedule    Schedule `json:"schedule"`
	Policy      Policy   `json:"policy"`
	State       JobState `json:"state"`
}

// StoreFile is the on-disk envelope.
type StoreFile struct {
	Version     int   `json:"version"`
	UpdatedAtMS int64 `json:"updatedAtMs"`
	Jobs        []Job `json:"jobs"`
}

// JobCreate is the input for Create. Nil optional fields take defaults.
type JobCreate struct {
	Tenant   int64    `json:"tenant"`
	Name     string   `json:"name,omitempty"`
	Prompt   string   `json:"prompt"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Schedule Schedule `json:"schedule"`
	Policy   *Policy  `json:"policy,omitempty"`
}

// RunRequest is one queued trigger for a job.
type RunRequest struct {
	JobID         string
	Source        string
	ScheduledAtMS int64
	Force         bool
}

// ExecContext is handed to the executor for a single run. Job is a deep copy;
// mutating it has no effect on scheduler state.
type ExecContext struct {
	Job           Job
	RunID         string
	Source        string
	ScheduledAtMS int64
}

// Executor performs one run. A nil error means the run succeeded; the summary
// is recorded in the run log. The context is cancelled when the run exceeds
// its timeout; honoring it is the executor's responsibility.
type Executor func(ctx context.Context, run ExecContext) (summary string, err error)

// ServiceStatus is a point-in-time snapshot over the (optionally filtered)
// job set.
type ServiceStatus struct {
	Enabled     bool  `json:"enabled"`
	TotalJobs   int   `json:"totalJobs"`
	EnabledJobs int   `json:"enabledJobs"`
	RunningJobs int   `json:"runningJobs"`
	QueuedJobs  int   `json:"queuedJobs"`
	NextRunAtMS int64 `json:"nextRunAtMs"` // 0 when nothing is scheduled
}

// Event is emitted on job changes when an event handler is configured.
type Event struct {
	JobID       string `json:"jobId"`
	Action      string `json:"action"` // added|updated|removed|started|finished
	RunID       string `json:"runId,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"durationMs,omitempty"`
	NextRunAtMS int64  `json:"nextRunAtMs,omitempty"`
}

// RunEntry is one record in the run history.
type RunEntry struct {
	RunID       string `json:"runId"`
	JobID       string `json:"jobId"`
	Tenant      int64  `json:"tenant"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	StartedAtMS int64  `json:"startedAtMs"`
	DurationMS  int64  `json:"durationMs"`
}

// RunRecorder receives the outcome of every dispatch. Implementations must not
// block for long; recording happens on the dispatcher goroutine.
type RunRecorder interface {
	Record(entry RunEntry)
}
