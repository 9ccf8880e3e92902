package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Sink names.
const (
	SinkFilesystem  = "filesystem"
	SinkObjectStore = "objectstore"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a job in this status will not change again.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// JobEvent is one persisted progress line of an export job.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportJob is a local record of one asynchronous export against the remote
// batch engine.
type ExportJob struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      string     `json:"status"`
	ClassName   string     `json:"class_name"`
	ContentType string     `json:"content_type"`
	SiteID      string     `json:"site_id,omitempty"`
	FieldNames  string     `json:"field_names,omitempty"`
	Sink        string     `json:"sink"`
	Location    string     `json:"location,omitempty"`
	Polls       int        `json:"polls"`
	Bytes       *int64     `json:"bytes,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	TimeoutMS   *int64     `json:"timeout_ms,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
