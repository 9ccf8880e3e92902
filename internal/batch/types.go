package batch

import (
	"fmt"
	"strings"
	"time"
)

// ContentType is the serialization format requested from the batch engine.
// It is sent as a path segment.
type ContentType string

const (
	ContentTypeJSON  ContentType = "JSON"
	ContentTypeJSONL ContentType = "JSONL"
	ContentTypeJSONT ContentType = "JSONT"
	ContentTypeCSV   ContentType = "CSV"
	ContentTypeXLS   ContentType = "XLS"
	ContentTypeXLSX  ContentType = "XLSX"
)

var contentTypes = []ContentType{
	ContentTypeJSON, ContentTypeJSONL, ContentTypeJSONT,
	ContentTypeCSV, ContentTypeXLS, ContentTypeXLSX,
}

// ParseContentType accepts a content type name in any case. The empty string
// yields ContentTypeJSON.
func ParseContentType(s string) (ContentType, error) {
	if s == "" {
		return ContentTypeJSON, nil
	}
	for _, ct := range contentTypes {
		if strings.EqualFold(s, string(ct)) {
			return ct, nil
		}
	}
	return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidRequest, s)
}

// Status is the lifecycle state of a remote export task.
type Status string

const (
	StatusInitial   Status = "initial"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps a server-reported executeStatus onto a Status. Matching is
// case-insensitive; unrecognised values map to StatusUnknown.
func ParseStatus(s string) Status {
	for _, st := range []Status{StatusCompleted, StatusFailed, StatusInitial, StatusStarted} {
		if strings.EqualFold(s, string(st)) {
			return st
		}
	}
	return StatusUnknown
}

// Terminal reports whether polling stops at this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExportRequest describes one export invocation.
type ExportRequest struct {
	// ClassName is the entity type to export, e.g.
	// com.liferay.headless.delivery.dto.v1_0.BlogPosting.
	ClassName string

	// ContentType defaults to JSON.
	ContentType ContentType

	// SiteID and FieldNames are sent only when non-empty. FieldNames is a
	// comma-separated list.
	SiteID     string
	FieldNames string

	// Timeout bounds each individual HTTP call, not the whole export.
	Timeout time.Duration
}

// Validate checks required fields.
func (r ExportRequest) Validate() error {
	if strings.TrimSpace(r.ClassName) == "" {
		return fmt.Errorf("%w: class name is required", ErrInvalidRequest)
	}
	if r.ContentType != "" {
		if _, err := ParseContentType(string(r.ContentType)); err != nil {
			return err
		}
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (r ExportRequest) contentType() ContentType {
	if r.ContentType == "" {
		return ContentTypeJSON
	}
	return r.ContentType
}

// PollConfig controls the status polling loop.
type PollConfig struct {
	// Interval is the fixed wait between polls. Defaults to one second.
	Interval time.Duration

	// MaxAttempts caps the number of status requests. Zero means unbounded.
	MaxAttempts int

	// MaxWait caps the total time spent polling. Zero means unbounded.
	MaxWait time.Duration
}

// DefaultPollInterval is the wait between two status requests.
const DefaultPollInterval = time.Second

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	return c
}

// EventKind identifies a step of an export.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventPolled    EventKind = "polled"
	EventFetching  EventKind = "fetching"
)

// Event is reported to an observer as an export progresses.
type Event struct {
	Kind    EventKind
	TaskID  string
	Status  Status
	Raw     string // executeStatus as sent by the server
	Attempt int
}

// String renders the event as a single log line.
func (e Event) String() string {
	switch e.Kind {
	case EventSubmitted:
		return fmt.Sprintf("submitted export task %s", e.TaskID)
	case EventPolled:
		return fmt.Sprintf("poll %d: export task %s is %s", e.Attempt, e.TaskID, e.Raw)
	case EventFetching:
		return fmt.Sprintf("fetching content of export task %s", e.TaskID)
	}
	return string(e.Kind)
}
