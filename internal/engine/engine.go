package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
	"github.com/seantiz/batchbridge/internal/store"
)

// ErrNotActive is returned by Cancel for a job that is not in flight.
var ErrNotActive = errors.New("export job is not active")

// errJobCancelled is the cancellation cause of jobs stopped through Cancel.
var errJobCancelled = errors.New("export job cancelled")

// errInterrupted is recorded on jobs found unfinished at startup.
var errInterrupted = errors.New("interrupted by restart")

// Engine runs export jobs asynchronously.
type Engine struct {
	store  store.Store
	ops    *batch.Operations
	sinks  *sink.Registry
	logger *slog.Logger
	wg     sync.WaitGroup
	broker *EventBroker

	mu   sync.Mutex
	jobs map[string]*handle
}

// handle tracks an in-flight job. Once finishing is set the job's outcome is
// decided and Cancel no longer applies.
type handle struct {
	cancel    context.CancelCauseFunc
	finishing bool
}

// NewEngine creates a new export engine.
func NewEngine(s store.Store, ops *batch.Operations, sinks *sink.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		ops:    ops,
		sinks:  sinks,
		logger: logger,
		broker: NewEventBroker(),
		jobs:   make(map[string]*handle),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit validates the job's request, stores the job as pending and starts
// it in a goroutine. The content type is normalized on j before it is stored.
// The goroutine works on a copy of the job.
func (e *Engine) Submit(ctx context.Context, j *model.ExportJob) error {
	ct, err := batch.ParseContentType(j.ContentType)
	if err != nil {
		return err
	}
	j.ContentType = string(ct)
	if err := requestFor(j).Validate(); err != nil {
		return err
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())
	e.mu.Lock()
	e.jobs[j.ID] = &handle{cancel: cancel}
	e.mu.Unlock()

	jCopy := *j
	e.wg.Go(func() {
		defer cancel(nil)
		e.execute(jobCtx, &jCopy)
	})

	return nil
}

// Cancel stops an in-flight job. The job ends with status cancelled. A job
// whose final state is already being written is no longer active.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.jobs[id]
	if !ok || h.finishing {
		return ErrNotActive
	}
	h.cancel(errJobCancelled)
	return nil
}

// Active reports whether the job is in flight in this engine.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[id]
	return ok
}

// CancelAll stops every in-flight job.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.jobs {
		if !h.finishing {
			h.cancel(errJobCancelled)
		}
	}
}

// Wait blocks until all in-flight jobs finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, id)
}

// markFinishing stops Cancel from reaching the job. From here on the job's
// status follows the outcome the run already has.
func (e *Engine) markFinishing(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.jobs[id]; ok {
		h.finishing = true
	}
}

// Recover fails jobs that a previous process left pending or running. Call it
// once at startup, before the first Submit.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.FailStaleJobs(ctx, batch.KindInternal, errInterrupted.Error())
	if err != nil {
		return fmt.Errorf("fail stale jobs: %w", err)
	}
	for _, id := range ids {
		e.logger.Warn("export job interrupted by restart", "job_id", id)
	}
	return nil
}

func requestFor(j *model.ExportJob) batch.ExportRequest {
	req := batch.ExportRequest{
		ClassName:   j.ClassName,
		ContentType: batch.ContentType(j.ContentType),
		SiteID:      j.SiteID,
		FieldNames:  j.FieldNames,
	}
	if j.TimeoutMS != nil {
		req.Timeout = time.Duration(*j.TimeoutMS) * time.Millisecond
	}
	return req
}

// run holds the per-job progress gathered while executing.
type run struct {
	job    *model.ExportJob
	start  *time.Time
	taskID string
	polls  int
	result sink.Result
	seq    int
}

// execute runs the job lifecycle: pending→running→completed/failed/cancelled.
func (e *Engine) execute(ctx context.Context, j *model.ExportJob) {
	defer e.broker.Close(j.ID)
	defer e.forget(j.ID)

	r := &run{job: j}
	persistCtx := context.WithoutCancel(ctx)

	if err := e.store.UpdateJobStatus(persistCtx, j.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "job_id", j.ID, "error", err)
		e.finish(ctx, r, fmt.Errorf("start job: %w", err))
		return
	}

	start := time.Now().UTC()
	r.start = &start
	activeExports.Inc()
	defer activeExports.Dec()

	e.record(persistCtx, r, "export job started")

	ops := e.ops.WithObserver(func(ev batch.Event) {
		switch ev.Kind {
		case batch.EventSubmitted:
			r.taskID = ev.TaskID
		case batch.EventPolled:
			r.polls++
			exportPollsTotal.Inc()
		}
		e.record(persistCtx, r, ev.String())
	})

	s, err := e.sinks.Resolve(j.Sink)
	if err != nil {
		e.finish(ctx, r, fmt.Errorf("resolve sink: %w", err))
		return
	}

	body, taskID, err := ops.ExportRaw(ctx, requestFor(j))
	if taskID != "" {
		r.taskID = taskID
	}
	if err != nil {
		e.finish(ctx, r, err)
		return
	}

	res, err := s.Write(ctx, sink.Target{JobID: j.ID}, body)
	body.Close()
	if err != nil {
		e.finish(ctx, r, fmt.Errorf("write to %s sink: %w", j.Sink, err))
		return
	}
	r.result = res
	e.record(persistCtx, r, fmt.Sprintf("wrote %d bytes to %s", res.Bytes, res.Location))

	e.finish(ctx, r, nil)
}

// record persists a progress line and publishes it to subscribers.
func (e *Engine) record(ctx context.Context, r *run, line string) {
	ev := model.JobEvent{
		JobID:     r.job.ID,
		Seq:       r.seq,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}
	r.seq++
	if err := e.store.InsertEvent(ctx, ev.JobID, ev.Seq, ev.Line); err != nil {
		e.logger.Error("failed to persist job event", "job_id", ev.JobID, "seq", ev.Seq, "error", err)
	}
	e.broker.Publish(ev)
}

// finish writes the final state of the job. A nil err completes it; a
// cancellation through Cancel marks it cancelled; anything else fails it.
func (e *Engine) finish(ctx context.Context, r *run, err error) {
	e.markFinishing(r.job.ID)
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	status := model.StatusCompleted
	switch {
	case err == nil:
	case errors.Is(context.Cause(ctx), errJobCancelled):
		status = model.StatusCancelled
	default:
		status = model.StatusFailed
	}

	j := &model.ExportJob{
		ID:         r.job.ID,
		TaskID:     r.taskID,
		Status:     status,
		Polls:      r.polls,
		StartedAt:  r.start,
		FinishedAt: &now,
	}

	var dur int
	if r.start != nil {
		dur = int(now.Sub(*r.start).Milliseconds())
	}
	j.DurationMS = &dur

	if err == nil {
		j.Location = r.result.Location
		j.Bytes = &r.result.Bytes
		exportBytes.Add(float64(r.result.Bytes))
		e.record(persistCtx, r, "export job completed")
	} else {
		j.Error = err.Error()
		j.ErrorKind = batch.Kind(err)
		if status == model.StatusCancelled {
			j.ErrorKind = batch.KindCancelled
		}
		e.record(persistCtx, r, fmt.Sprintf("export job %s: %s", status, j.Error))
	}

	exportsTotal.WithLabelValues(r.job.Sink, status).Inc()
	exportDuration.WithLabelValues(status).Observe(float64(dur) / 1000)

	if err := e.store.UpdateJob(persistCtx, j); err != nil {
		e.logger.Error("failed to update finished job", "job_id", j.ID, "status", status, "error", err)
		return
	}

	attrs := []any{"job_id", j.ID, "task_id", j.TaskID, "status", status, "polls", j.Polls, "duration_ms", dur}
	if err != nil {
		e.logger.Warn("export job finished", append(attrs, "error_kind", j.ErrorKind, "error", j.Error)...)
		return
	}
	e.logger.Info("export job finished", append(attrs, "bytes", r.result.Bytes, "location", j.Location)...)
}
