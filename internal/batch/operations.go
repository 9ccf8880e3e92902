package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/batchbridge/internal/archive"
	"github.com/seantiz/batchbridge/internal/liferay"
)

const (
	submitExportTaskPath     = "/v1.0/export-task/{className}/{contentType}"
	getExportTaskPath        = "/v1.0/export-task/{exportTaskId}"
	getExportTaskContentPath = "/v1.0/export-task/{exportTaskId}/content"

	// ExportFileName is the name the file-copy variant writes to.
	ExportFileName = "export.zip"
)

// errStillRunning marks a non-terminal poll inside the retry loop.
var errStillRunning = errors.New("export task still running")

// Connection performs authenticated calls against the portal.
type Connection interface {
	Get(ctx context.Context, req liferay.Request) (*liferay.Response, error)
	Post(ctx context.Context, req liferay.Request) (*liferay.Response, error)
}

// Validator rejects unsuccessful responses.
type Validator interface {
	Validate(resp *liferay.Response) error
}

// PayloadReader parses a response body as JSON.
type PayloadReader interface {
	FromResponse(resp *liferay.Response) (liferay.Payload, error)
}

// Operations runs the batch operations. It is safe for concurrent use; each
// call carries its own task id.
type Operations struct {
	conn      Connection
	validator Validator
	reader    PayloadReader
	poll      PollConfig
	logger    *slog.Logger
	observe   func(Event)
	timeout   time.Duration
}

// NewOperations creates an Operations. A nil validator or reader selects the
// liferay package defaults.
func NewOperations(conn Connection, v Validator, r PayloadReader, poll PollConfig, logger *slog.Logger) *Operations {
	if v == nil {
		v = liferay.ResponseValidator{}
	}
	if r == nil {
		r = liferay.JSONReader{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Operations{
		conn:      conn,
		validator: v,
		reader:    r,
		poll:      poll.withDefaults(),
		logger:    logger,
	}
}

// WithObserver returns a copy of o that reports progress to fn.
func (o *Operations) WithObserver(fn func(Event)) *Operations {
	c := *o
	c.observe = fn
	return &c
}

// WithDefaultTimeout returns a copy of o that applies d to requests that
// carry no timeout of their own.
func (o *Operations) WithDefaultTimeout(d time.Duration) *Operations {
	c := *o
	c.timeout = d
	return &c
}

func (o *Operations) withTimeout(req ExportRequest) ExportRequest {
	if req.Timeout == 0 {
		req.Timeout = o.timeout
	}
	return req
}

func (o *Operations) emit(e Event) {
	if o.observe != nil {
		o.observe(e)
	}
}

// Submit creates an export task and returns its id.
func (o *Operations) Submit(ctx context.Context, req ExportRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req = o.withTimeout(req)

	query := url.Values{}
	if req.SiteID != "" {
		query.Set("siteId", req.SiteID)
	}
	if req.FieldNames != "" {
		query.Set("fieldNames", req.FieldNames)
	}

	resp, err := o.conn.Post(ctx, liferay.Request{
		AppBase: liferay.BatchEngineBase,
		Path:    submitExportTaskPath,
		PathParams: map[string]string{
			"className":   req.ClassName,
			"contentType": string(req.contentType()),
		},
		Query:       query,
		ContentType: "application/json",
		Timeout:     req.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("submit export task: %w", err)
	}
	if err := o.validator.Validate(resp); err != nil {
		return "", fmt.Errorf("submit export task: %w", err)
	}

	payload, err := o.reader.FromResponse(resp)
	if err != nil {
		return "", fmt.Errorf("submit export task: %w", err)
	}
	id, err := payload.Int("id")
	if err != nil {
		return "", fmt.Errorf("submit export task: %w", err)
	}

	taskID := strconv.FormatInt(id, 10)
	o.logger.Debug("export task submitted", "task_id", taskID, "class_name", req.ClassName)
	o.emit(Event{Kind: EventSubmitted, TaskID: taskID})
	return taskID, nil
}

// Poll fetches the current status of a task. Every call performs a request.
func (o *Operations) Poll(ctx context.Context, taskID string, timeout time.Duration) (Status, error) {
	st, _, _, err := o.poll1(ctx, taskID, timeout)
	return st, err
}

// poll1 returns the parsed status, the raw executeStatus and the server's
// error message, if any.
func (o *Operations) poll1(ctx context.Context, taskID string, timeout time.Duration) (Status, string, string, error) {
	resp, err := o.conn.Get(ctx, liferay.Request{
		AppBase:    liferay.BatchEngineBase,
		Path:       getExportTaskPath,
		PathParams: map[string]string{"exportTaskId": taskID},
		Timeout:    timeout,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("get export task %s: %w", taskID, err)
	}
	if err := o.validator.Validate(resp); err != nil {
		return "", "", "", fmt.Errorf("get export task %s: %w", taskID, err)
	}

	payload, err := o.reader.FromResponse(resp)
	if err != nil {
		return "", "", "", fmt.Errorf("get export task %s: %w", taskID, err)
	}
	raw, err := payload.String("executeStatus")
	if err != nil {
		return "", "", "", fmt.Errorf("get export task %s: %w", taskID, err)
	}
	return ParseStatus(raw), raw, payload.OptionalString("errorMessage"), nil
}

// Await polls until the task reaches a terminal status. It waits exactly one
// poll interval between non-terminal polls. Transport and validation errors
// end the loop immediately. A failed task yields *ExportFailedError.
func (o *Operations) Await(ctx context.Context, taskID string, timeout time.Duration) (Status, error) {
	if o.poll.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.poll.MaxWait)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(o.poll.Interval)
	if o.poll.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.poll.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	var (
		attempt int
		last    Status
	)
	err := backoff.Retry(func() error {
		attempt++
		st, raw, msg, err := o.poll1(ctx, taskID, timeout)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = st
		o.emit(Event{Kind: EventPolled, TaskID: taskID, Status: st, Raw: raw, Attempt: attempt})

		switch st {
		case StatusCompleted:
			return nil
		case StatusFailed:
			return backoff.Permanent(&ExportFailedError{TaskID: taskID, Message: msg})
		}
		if st == StatusUnknown {
			o.logger.Warn("unrecognised export task status", "task_id", taskID, "status", raw)
		}
		return errStillRunning
	}, b)

	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, errStillRunning):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, fmt.Errorf("await export task %s: %w", taskID, ctxErr)
		}
		return last, fmt.Errorf("await export task %s after %d polls: %w", taskID, attempt, ErrPollLimitExceeded)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return last, fmt.Errorf("await export task %s: %w", taskID, err)
	}
	return last, err
}

// Fetch downloads the task content. The caller must close the returned body.
func (o *Operations) Fetch(ctx context.Context, taskID string, timeout time.Duration) (io.ReadCloser, error) {
	o.emit(Event{Kind: EventFetching, TaskID: taskID})

	resp, err := o.conn.Get(ctx, liferay.Request{
		AppBase:    liferay.BatchEngineBase,
		Path:       getExportTaskContentPath,
		PathParams: map[string]string{"exportTaskId": taskID},
		Timeout:    timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("get export task %s content: %w", taskID, err)
	}
	if err := o.validator.Validate(resp); err != nil {
		return nil, fmt.Errorf("get export task %s content: %w", taskID, err)
	}
	return resp.Body, nil
}

// ExportRaw runs submit, await and fetch, returning the content as served.
func (o *Operations) ExportRaw(ctx context.Context, req ExportRequest) (io.ReadCloser, string, error) {
	req = o.withTimeout(req)
	taskID, err := o.Submit(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if _, err := o.Await(ctx, taskID, req.Timeout); err != nil {
		return nil, taskID, err
	}
	body, err := o.Fetch(ctx, taskID, req.Timeout)
	if err != nil {
		return nil, taskID, err
	}
	return body, taskID, nil
}

// Export runs the whole protocol and returns a stream positioned at the
// first entry of the exported archive. The caller owns and must close it.
func (o *Operations) Export(ctx context.Context, req ExportRequest) (*archive.Entry, error) {
	body, taskID, err := o.ExportRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	entry, err := archive.FirstEntry(body)
	if err != nil {
		return nil, fmt.Errorf("open export task %s content: %w", taskID, err)
	}
	return entry, nil
}

// ExportToDirectory runs the whole protocol and copies the content to
// dir/export.zip. It fails if that file already exists.
func (o *Operations) ExportToDirectory(ctx context.Context, req ExportRequest, dir string) (string, error) {
	body, taskID, err := o.ExportRaw(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()

	path := filepath.Join(dir, ExportFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("copy export task %s content: %w", taskID, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// ImportResult is the outcome of an import operation.
type ImportResult struct {
	TaskID string
}

// CreateImport is not implemented and returns no result.
func (o *Operations) CreateImport(ctx context.Context, className string) (*ImportResult, error) {
	return nil, nil
}

// UpdateImport is not implemented and returns no result.
func (o *Operations) UpdateImport(ctx context.Context, className string) (*ImportResult, error) {
	return nil, nil
}

// DeleteImport is not implemented and returns no result.
func (o *Operations) DeleteImport(ctx context.Context, className string) (*ImportResult, error) {
	return nil, nil
}
