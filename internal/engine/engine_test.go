package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/liferay"
	"github.com/seantiz/batchbridge/internal/liferay/liferaytest"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
	"github.com/seantiz/batchbridge/internal/sink/filesystem"
	"github.com/seantiz/batchbridge/internal/store"
)

// brokenSink fails every write after draining part of the content.
type brokenSink struct{}

func (brokenSink) Write(_ context.Context, _ sink.Target, r io.Reader) (sink.Result, error) {
	_, _ = io.CopyN(io.Discard, r, 1)
	return sink.Result{}, errors.New("disk full")
}

func (brokenSink) Capabilities() sink.Capabilities {
	return sink.Capabilities{Name: "broken"}
}

type testEnv struct {
	eng    *engine.Engine
	store  store.Store
	remote *liferaytest.Server
	root   string
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	return newTestEngineWithStore(t, nil)
}

// newTestEngineWithStore lets wrap interpose on the engine's store.
func newTestEngineWithStore(t *testing.T, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	var s store.Store = db

	remote := liferaytest.NewServer()
	t.Cleanup(remote.Close)
	remote.SetContent(liferaytest.ZipOf(liferaytest.Entry{Name: "export.json", Data: []byte(`[{"id":1}]`)}))

	client, err := liferay.NewClient(liferay.ClientConfig{BaseURL: remote.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	root := t.TempDir()
	fs, err := filesystem.New(root)
	if err != nil {
		t.Fatalf("filesystem.New: %v", err)
	}
	reg := sink.NewRegistry()
	reg.Register(model.SinkFilesystem, fs)
	reg.Register("broken", brokenSink{})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ops := batch.NewOperations(client, nil, nil, batch.PollConfig{Interval: 10 * time.Millisecond}, logger)
	if wrap != nil {
		s = wrap(s)
	}
	eng := engine.NewEngine(s, ops, reg, logger)
	t.Cleanup(func() {
		eng.CancelAll()
		eng.Wait()
	})

	return &testEnv{eng: eng, store: s, remote: remote, root: root}
}

func makeExportJob() *model.ExportJob {
	timeout := int64(5000)
	return &model.ExportJob{
		ID:          model.NewID(),
		Status:      model.StatusPending,
		ClassName:   "com.liferay.headless.delivery.dto.v1_0.BlogPosting",
		ContentType: "json",
		Sink:        model.SinkFilesystem,
		TimeoutMS:   &timeout,
		CreatedAt:   time.Now().UTC(),
	}
}

// waitForStatus polls the store until the job reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.ExportJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == expected {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SetStatuses("INITIAL", "STARTED", "COMPLETED")

	j := makeExportJob()
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.ContentType != "JSON" {
		t.Errorf("content type = %q, want normalized JSON", j.ContentType)
	}

	done := waitForStatus(t, env.store, j.ID, model.StatusCompleted, 5*time.Second)
	if done.TaskID != "1" {
		t.Errorf("task_id = %q, want 1", done.TaskID)
	}
	if done.Polls != 3 {
		t.Errorf("polls = %d, want 3", done.Polls)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("started_at or finished_at is nil")
	}
	if done.Bytes == nil || *done.Bytes == 0 {
		t.Errorf("bytes = %v, want > 0", done.Bytes)
	}

	data, err := os.ReadFile(done.Location)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	if !strings.HasPrefix(string(data), "PK") {
		t.Error("sink file is not the raw archive")
	}

	events, err := env.store.GetEvents(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var lines []string
	for _, e := range events {
		lines = append(lines, e.Line)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"submitted export task 1", "poll 3: export task 1 is COMPLETED", "fetching content", "export job completed"} {
		if !strings.Contains(joined, want) {
			t.Errorf("events missing %q:\n%s", want, joined)
		}
	}
}

func TestSubmitRemoteFailure(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SetStatuses("STARTED", "FAILED")
	env.remote.ErrorMessage = "no permission"

	j := makeExportJob()
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, env.store, j.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != batch.KindBatchExportFailed {
		t.Errorf("error_kind = %q, want %q", failed.ErrorKind, batch.KindBatchExportFailed)
	}
	if !strings.Contains(failed.Error, "no permission") {
		t.Errorf("error = %q, want server message", failed.Error)
	}
	if len(env.remote.Fetches()) != 0 {
		t.Error("content fetched for a failed task")
	}
}

func TestSubmitRejectedByRemote(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SubmitStatus = 400

	j := makeExportJob()
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, env.store, j.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != batch.KindRemoteError {
		t.Errorf("error_kind = %q, want %q", failed.ErrorKind, batch.KindRemoteError)
	}
	if failed.TaskID != "" {
		t.Errorf("task_id = %q, want empty", failed.TaskID)
	}
}

func TestSubmitSinkError(t *testing.T) {
	env := newTestEngine(t)

	j := makeExportJob()
	j.Sink = "broken"
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, env.store, j.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "disk full") {
		t.Errorf("error = %q, want sink error", failed.Error)
	}
}

func TestSubmitUnregisteredSink(t *testing.T) {
	env := newTestEngine(t)

	j := makeExportJob()
	j.Sink = model.SinkObjectStore
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, env.store, j.ID, model.StatusFailed, 5*time.Second)
	if failed.StartedAt == nil {
		t.Error("started_at should be set when sink resolution fails after the running transition")
	}
	if len(env.remote.Submissions()) != 0 {
		t.Error("remote task submitted for an unusable sink")
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	env := newTestEngine(t)

	j := makeExportJob()
	j.ClassName = ""
	if err := env.eng.Submit(context.Background(), j); !errors.Is(err, batch.ErrInvalidRequest) {
		t.Fatalf("Submit error = %v, want ErrInvalidRequest", err)
	}
	if _, err := env.store.GetJob(context.Background(), j.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("invalid job was stored: %v", err)
	}

	j = makeExportJob()
	j.ContentType = "PDF"
	if err := env.eng.Submit(context.Background(), j); !errors.Is(err, batch.ErrInvalidRequest) {
		t.Errorf("Submit error = %v, want ErrInvalidRequest", err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SetStatuses("STARTED")

	j := makeExportJob()
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.store, j.ID, model.StatusRunning, 5*time.Second)

	if err := env.eng.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	cancelled := waitForStatus(t, env.store, j.ID, model.StatusCancelled, 5*time.Second)
	if cancelled.ErrorKind != batch.KindCancelled {
		t.Errorf("error_kind = %q, want %q", cancelled.ErrorKind, batch.KindCancelled)
	}

	env.eng.Wait()
	if err := env.eng.Cancel(j.ID); !errors.Is(err, engine.ErrNotActive) {
		t.Errorf("second Cancel error = %v, want ErrNotActive", err)
	}
}

// gatedStore holds the final job update until released, after the update
// itself has been written.
type gatedStore struct {
	store.Store
	written chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) open() { g.once.Do(func() { close(g.release) }) }

func (g *gatedStore) UpdateJob(ctx context.Context, j *model.ExportJob) error {
	err := g.Store.UpdateJob(ctx, j)
	close(g.written)
	<-g.release
	return err
}

func TestCancelAfterOutcomeIsWritten(t *testing.T) {
	gate := &gatedStore{written: make(chan struct{}), release: make(chan struct{})}
	env := newTestEngineWithStore(t, func(s store.Store) store.Store {
		gate.Store = s
		return gate
	})
	t.Cleanup(gate.open)

	j := makeExportJob()
	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-gate.written:
	case <-time.After(5 * time.Second):
		t.Fatal("job never wrote its final state")
	}

	if !env.eng.Active(j.ID) {
		t.Error("job not active while finishing")
	}
	if err := env.eng.Cancel(j.ID); !errors.Is(err, engine.ErrNotActive) {
		t.Errorf("Cancel error = %v, want ErrNotActive", err)
	}
	gate.open()
	env.eng.Wait()

	got, err := env.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestRecoverFailsUnfinishedJobs(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	running := makeExportJob()
	pending := makeExportJob()
	for _, j := range []*model.ExportJob{running, pending} {
		if err := env.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := env.store.UpdateJobStatus(ctx, running.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	if err := env.eng.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	for _, id := range []string{running.ID, pending.ID} {
		got, err := env.store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status != model.StatusFailed || got.ErrorKind != batch.KindInternal {
			t.Errorf("job %s = %s/%s, want failed/%s", id, got.Status, got.ErrorKind, batch.KindInternal)
		}
		if got.Error != "interrupted by restart" {
			t.Errorf("job %s error = %q", id, got.Error)
		}
	}

	// Jobs submitted after recovery run normally.
	j := makeExportJob()
	if err := env.eng.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.store, j.ID, model.StatusCompleted, 5*time.Second)
}

func TestSubscribeReceivesEventsUntilDone(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SetStatuses("STARTED", "STARTED", "COMPLETED")

	j := makeExportJob()
	ch, unsub := env.eng.Broker().Subscribe(j.ID)
	defer unsub()

	if err := env.eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []model.JobEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}

	if len(got) == 0 {
		t.Fatal("no events received")
	}
	for i, ev := range got {
		if ev.Seq != i {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	if last := got[len(got)-1].Line; last != "export job completed" {
		t.Errorf("last event = %q", last)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	env := newTestEngine(t)
	env.remote.SetStatuses("STARTED", "COMPLETED")

	ids := make([]string, 5)
	for i := range ids {
		j := makeExportJob()
		ids[i] = j.ID
		if err := env.eng.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	tasks := make(map[string]bool)
	for _, id := range ids {
		j := waitForStatus(t, env.store, id, model.StatusCompleted, 5*time.Second)
		if tasks[j.TaskID] {
			t.Errorf("task id %s reused", j.TaskID)
		}
		tasks[j.TaskID] = true
	}
	if n := len(env.remote.Submissions()); n != len(ids) {
		t.Errorf("remote submissions = %d, want %d", n, len(ids))
	}
}
