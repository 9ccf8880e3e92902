package store

import (
	"context"
	"errors"

	"github.com/seantiz/batchbridge/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate export statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountBySink   map[string]int `json:"count_by_sink"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	TotalBytes    int64          `json:"total_bytes"`
}

// Store defines the persistence operations for export jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.ExportJob) error
	GetJob(ctx context.Context, id string) (*model.ExportJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.ExportJob, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.ExportJob) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	FailStaleJobs(ctx context.Context, errorKind, reason string) ([]string, error)
	InsertEvent(ctx context.Context, jobID string, seq int, line string) error
	GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	Close() error
}
