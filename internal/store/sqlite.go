package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/batchbridge/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS export_jobs (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    class_name   TEXT NOT NULL,
    content_type TEXT NOT NULL,
    site_id      TEXT NOT NULL DEFAULT '',
    field_names  TEXT NOT NULL DEFAULT '',
    sink         TEXT NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    polls        INTEGER NOT NULL DEFAULT 0,
    bytes        INTEGER,
    error        TEXT NOT NULL DEFAULT '',
    error_kind   TEXT NOT NULL DEFAULT '',
    timeout_ms   INTEGER,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES export_jobs(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_job_events_job_seq ON job_events(job_id, seq)`

const jobColumns = `id, task_id, status, class_name, content_type, site_id,
	field_names, sink, location, polls, bytes, error, error_kind, timeout_ms,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("export job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createEventsTable, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.ExportJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TaskID, j.Status, j.ClassName, j.ContentType, j.SiteID,
		j.FieldNames, j.Sink, j.Location, j.Polls, j.Bytes, j.Error, j.ErrorKind, j.TimeoutMS,
		j.DurationMS, j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.ExportJob, error) {
	j := &model.ExportJob{}
	err := row.Scan(
		&j.ID, &j.TaskID, &j.Status, &j.ClassName, &j.ContentType, &j.SiteID,
		&j.FieldNames, &j.Sink, &j.Location, &j.Polls, &j.Bytes, &j.Error, &j.ErrorKind, &j.TimeoutMS,
		&j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	return j, err
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ExportJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.ExportJob, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM export_jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM export_jobs
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// checkTransition loads the current status of id inside tx and verifies the
// move to next is allowed. Re-asserting the current status is a no-op.
func checkTransition(ctx context.Context, tx *sql.Tx, id, next string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM export_jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	if current != next && !model.ValidTransition(current, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// UpdateJobStatus updates the status of a job. Running sets started_at;
// terminal statuses set finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE export_jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
			status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE export_jobs SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE export_jobs SET status = ? WHERE id = ?",
			status, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return tx.Commit()
}

// UpdateJob writes all mutable fields of j. The status change it implies must
// be a valid transition.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.ExportJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, j.ID, j.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE export_jobs SET
			task_id = ?, status = ?, location = ?, polls = ?, bytes = ?,
			error = ?, error_kind = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		j.TaskID, j.Status, j.Location, j.Polls, j.Bytes,
		j.Error, j.ErrorKind, j.DurationMS,
		j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	return tx.Commit()
}

// GetJobStats aggregates counts by status and sink and the mean duration of
// finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountBySink:   make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "sink", stats.CountBySink); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms), SUM(bytes) FROM export_jobs WHERE duration_ms IS NOT NULL`,
	).Scan(&avg, &total); err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.TotalBytes = total.Int64

	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM export_jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// FailStaleJobs marks every pending or running job as failed and appends a
// closing event to each. It is meant for startup, before any job runs, to
// settle jobs whose process went away. It returns the ids it failed.
func (s *SQLiteStore) FailStaleJobs(ctx context.Context, errorKind, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM export_jobs WHERE status IN (?, ?) ORDER BY created_at",
		model.StatusPending, model.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}

	now := time.Now().UTC()
	line := fmt.Sprintf("export job %s: %s", model.StatusFailed, reason)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE export_jobs SET status = ?, error = ?, error_kind = ?, finished_at = ?
			WHERE id = ?`,
			model.StatusFailed, reason, errorKind, now, id); err != nil {
			return nil, fmt.Errorf("fail stale job %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events (job_id, seq, line, created_at)
			SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ? FROM job_events WHERE job_id = ?`,
			id, line, now, id); err != nil {
			return nil, fmt.Errorf("insert event for stale job %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// InsertEvent appends a progress line for a job.
func (s *SQLiteStore) InsertEvent(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns a job's progress lines in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, line, created_at FROM job_events WHERE job_id = ? ORDER BY seq ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Line, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
