package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned before any request is sent when an
	// ExportRequest is incomplete.
	ErrInvalidRequest = errors.New("invalid export request")

	// ErrBatchExportFailed is returned when the server reports the export
	// task as failed. It distinguishes a remote task failure from transport
	// or validation errors.
	ErrBatchExportFailed = errors.New("batch export failed")

	// ErrPollLimitExceeded is returned when MaxAttempts polls were made
	// without reaching a terminal status.
	ErrPollLimitExceeded = errors.New("export task did not finish within the poll limit")
)

// ExportFailedError carries the details of a failed export task. It matches
// ErrBatchExportFailed.
type ExportFailedError struct {
	TaskID  string
	Message string
}

func (e *ExportFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("batch export failed: task %s", e.TaskID)
	}
	return fmt.Sprintf("batch export failed: task %s: %s", e.TaskID, e.Message)
}

func (e *ExportFailedError) Unwrap() error {
	return ErrBatchExportFailed
}
