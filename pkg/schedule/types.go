package schedule

import "time"

// Kind selects how a job's next run is computed.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Spec is a time specification for job execution.
type Spec struct {
	Kind Kind `json:"kind"`

	// For "at": an RFC 3339 timestamp.
	At string `json:"at,omitempty"`

	// For "every": interval and optional alignment anchor.
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	// For "cron": 5-field expression and optional timezone.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// JobState tracks runtime state of a job.
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // "ok", "error", or "skipped"
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job runs a prompt against a session on a schedule.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Spec     `json:"schedule"`
	SessionKey     string   `json:"sessionKey"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model,omitempty"`
	State          JobState `json:"state"`
}

// AddParams contains parameters for creating a job.
type AddParams struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Enabled        bool   `json:"enabled"`
	DeleteAfterRun bool   `json:"deleteAfterRun,omitempty"`
	Schedule       Spec   `json:"schedule"`
	SessionKey     string `json:"sessionKey"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
}

// JobPatch contains fields that can be updated.
type JobPatch struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	DeleteAfterRun *bool   `json:"deleteAfterRun,omitempty"`
	Schedule       *Spec   `json:"schedule,omitempty"`
	SessionKey     *string `json:"sessionKey,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	Model          *string `json:"model,omitempty"`
}

// EventAction represents the type of scheduler event.
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionAdded    EventAction = "added"
	EventActionUpdated  EventAction = "updated"
	EventActionDeleted  EventAction = "deleted"
)

// Event is emitted on job lifecycle changes and run completions.
type Event struct {
	Action      EventAction `json:"action"`
	JobID       string      `json:"jobId"`
	Status      string      `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMs  *int64      `json:"durationMs,omitempty"`
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"`
}

// RunMode specifies how to run a job manually.
type RunMode string

const (
	RunModeDue   RunMode = "due"
	RunModeForce RunMode = "force"
)

// Now returns current time in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value.
func Int64Ptr(v int64) *int64 {
	return &v
}
