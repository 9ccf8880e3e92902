package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/batchbridge/internal/api"
	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/config"
	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/liferay/liferaytest"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
	"github.com/seantiz/batchbridge/internal/sink/filesystem"
	"github.com/seantiz/batchbridge/internal/store"
)

const className = "com.liferay.headless.delivery.dto.v1_0.StructuredContent"

var exportedJSON = []byte(`[{"id":42,"title":"hello"}]`)

// stack is one running service instance backed by a database file, so that a
// second stack on the same path sees everything the first one recorded.
type stack struct {
	ts    *httptest.Server
	eng   *engine.Engine
	store *store.SQLiteStore
	once  sync.Once
}

func newStack(t *testing.T, dbPath, exportDir string, remote config.Remote) *stack {
	t.Helper()

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	client, err := remote.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	fs, err := filesystem.New(exportDir)
	if err != nil {
		t.Fatalf("filesystem.New: %v", err)
	}
	reg := sink.NewRegistry()
	reg.Register(model.SinkFilesystem, fs)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ops := batch.NewOperations(client, nil, nil, batch.PollConfig{Interval: 10 * time.Millisecond}, logger)
	eng := engine.NewEngine(s, ops, reg, logger)
	if err := eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	srv := api.NewServer(":0", s, ops, reg, eng, logger)

	st := &stack{ts: httptest.NewServer(srv.Router()), eng: eng, store: s}
	t.Cleanup(st.close)
	return st
}

func (st *stack) close() {
	st.once.Do(func() {
		st.ts.Close()
		st.eng.CancelAll()
		st.eng.Wait()
		st.store.Close()
	})
}

// crash stops serving and drops the database without letting in-flight jobs
// finish, leaving their rows as the process last wrote them. The orphaned
// job goroutines are stopped by the regular cleanup.
func (st *stack) crash() {
	st.ts.Close()
	st.store.Close()
}

func (st *stack) url() string { return st.ts.URL }

func newRemote(t *testing.T) *liferaytest.Server {
	t.Helper()
	remote := liferaytest.NewServer()
	t.Cleanup(remote.Close)
	remote.SetStatuses("INITIAL", "STARTED", "COMPLETED")
	remote.SetContent(liferaytest.ZipOf(liferaytest.Entry{Name: "StructuredContent.json", Data: exportedJSON}))
	return remote
}

func postExport(t *testing.T, url string, body map[string]any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func submitAsync(t *testing.T, st *stack, body map[string]any) model.ExportJob {
	t.Helper()
	resp := postExport(t, st.url()+"/v1/exports/async", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var job model.ExportJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return job
}

func getJob(t *testing.T, st *stack, id string) model.ExportJob {
	t.Helper()
	resp, err := http.Get(st.url() + "/v1/exports/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d, want 200", resp.StatusCode)
	}
	var job model.ExportJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return job
}

func waitForStatus(t *testing.T, st *stack, id, want string, timeout time.Duration) model.ExportJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job := getJob(t, st, id)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q within %v", id, want, timeout)
	return model.ExportJob{}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	ID   string
	Type string
	Data string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	scanner := bufio.NewScanner(r)
	var (
		events []sseEvent
		cur    sseEvent
		data   []string
	)
	flush := func() {
		if len(data) > 0 {
			cur.Data = strings.Join(data, "\n")
			events = append(events, cur)
		}
		cur, data = sseEvent{}, nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			flush()
		}
	}
	flush()
	return events
}

func streamEvents(t *testing.T, st *stack, id string) []sseEvent {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(st.url() + "/v1/exports/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return readSSE(t, resp.Body)
}

func TestSyncExportWithOAuth2(t *testing.T) {
	remote := newRemote(t)
	st := newStack(t, filepath.Join(t.TempDir(), "bb.db"), t.TempDir(), config.Remote{
		BaseURL:      remote.URL,
		ClientID:     "batchbridge",
		ClientSecret: "s3cret",
	})

	resp := postExport(t, st.url()+"/v1/exports", map[string]any{
		"class_name":  className,
		"site_id":     "20121",
		"field_names": "id,title",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200\nbody: %s", resp.StatusCode, b)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, exportedJSON) {
		t.Errorf("body = %s, want %s", got, exportedJSON)
	}
	if resp.Header.Get("X-Export-Task-Id") != "1" {
		t.Errorf("X-Export-Task-Id = %q, want 1", resp.Header.Get("X-Export-Task-Id"))
	}

	subs := remote.Submissions()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	if subs[0].Auth != "Bearer token-batchbridge" {
		t.Errorf("Authorization = %q, want bearer token", subs[0].Auth)
	}
	if subs[0].Query.Get("siteId") != "20121" || subs[0].Query.Get("fieldNames") != "id,title" {
		t.Errorf("query = %v", subs[0].Query)
	}
	if n := remote.Polls("1"); n != 3 {
		t.Errorf("polls = %d, want 3", n)
	}
}

func TestAsyncExportSurvivesRestart(t *testing.T) {
	remote := newRemote(t)
	dbPath := filepath.Join(t.TempDir(), "bb.db")
	exportDir := t.TempDir()
	cfg := config.Remote{BaseURL: remote.URL, Username: "test@example.com", Password: "test"}

	first := newStack(t, dbPath, exportDir, cfg)
	job := submitAsync(t, first, map[string]any{"class_name": className, "content_type": "jsonl"})
	if job.Status != model.StatusPending {
		t.Errorf("initial status = %q, want pending", job.Status)
	}

	// The stream follows the job to the end and closes with a done event.
	events := streamEvents(t, first, job.ID)
	if len(events) == 0 || events[len(events)-1].Type != "done" {
		t.Fatalf("events = %+v, want trailing done", events)
	}

	done := waitForStatus(t, first, job.ID, model.StatusCompleted, 5*time.Second)
	if done.TaskID != "1" || done.Polls != 3 {
		t.Errorf("task = %q polls = %d, want 1 and 3", done.TaskID, done.Polls)
	}
	if done.Location != filepath.Join(exportDir, job.ID, sink.FileName) {
		t.Errorf("location = %q", done.Location)
	}
	data, err := os.ReadFile(done.Location)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if done.Bytes == nil || *done.Bytes != int64(len(data)) {
		t.Errorf("bytes = %v, want %d", done.Bytes, len(data))
	}
	if remote.Submissions()[0].ContentType != "JSONL" {
		t.Errorf("content type = %q, want JSONL", remote.Submissions()[0].ContentType)
	}

	first.close()

	second := newStack(t, dbPath, exportDir, cfg)
	after := getJob(t, second, job.ID)
	if after.Status != model.StatusCompleted || after.Location != done.Location {
		t.Errorf("after restart: %+v", after)
	}

	// A job this instance never ran replays its history and finishes at once.
	replay := streamEvents(t, second, job.ID)
	var lines []string
	for _, ev := range replay {
		if ev.Type == "" {
			lines = append(lines, ev.Data)
		}
	}
	if len(lines) == 0 || lines[len(lines)-1] != "export job completed" {
		t.Errorf("replayed lines = %q", lines)
	}
	if replay[len(replay)-1].Type != "done" {
		t.Errorf("replay did not end with done: %+v", replay)
	}

	resp, err := http.Get(second.url() + "/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Total      int            `json:"total"`
		ByStatus   map[string]int `json:"by_status"`
		TotalBytes int64          `json:"total_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[model.StatusCompleted] != 1 || stats.TotalBytes != int64(len(data)) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRestartFailsInterruptedExport(t *testing.T) {
	remote := newRemote(t)
	remote.SetStatuses("STARTED")
	dbPath := filepath.Join(t.TempDir(), "bb.db")
	exportDir := t.TempDir()
	cfg := config.Remote{BaseURL: remote.URL}

	first := newStack(t, dbPath, exportDir, cfg)
	job := submitAsync(t, first, map[string]any{"class_name": className})
	waitForStatus(t, first, job.ID, model.StatusRunning, 5*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for remote.Polls("1") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if remote.Polls("1") < 2 {
		t.Fatal("export never started polling")
	}

	first.crash()

	second := newStack(t, dbPath, exportDir, cfg)
	after := getJob(t, second, job.ID)
	if after.Status != model.StatusFailed {
		t.Fatalf("status after restart = %q, want failed", after.Status)
	}
	if after.ErrorKind != batch.KindInternal || after.Error != "interrupted by restart" {
		t.Errorf("error after restart = %q/%q", after.ErrorKind, after.Error)
	}
	if after.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	req, _ := http.NewRequest(http.MethodDelete, second.url()+"/v1/exports/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("DELETE status = %d, want 409", resp.StatusCode)
	}

	events := streamEvents(t, second, job.ID)
	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	if last := events[len(events)-2]; last.Data != "export job failed: interrupted by restart" {
		t.Errorf("last event = %q", last.Data)
	}

	resp, err = http.Get(second.url() + "/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		ByStatus map[string]int `json:"by_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ByStatus[model.StatusRunning] != 0 || stats.ByStatus[model.StatusFailed] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
}

func TestCancelRunningExports(t *testing.T) {
	remote := newRemote(t)
	remote.SetStatuses("STARTED")
	st := newStack(t, filepath.Join(t.TempDir(), "bb.db"), t.TempDir(), config.Remote{BaseURL: remote.URL})

	var ids []string
	for range 3 {
		ids = append(ids, submitAsync(t, st, map[string]any{"class_name": className}).ID)
	}
	for _, id := range ids {
		waitForStatus(t, st, id, model.StatusRunning, 5*time.Second)
	}

	for _, id := range ids {
		req, _ := http.NewRequest(http.MethodDelete, st.url()+"/v1/exports/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("DELETE %s status = %d, want 202", id, resp.StatusCode)
		}
	}

	for _, id := range ids {
		job := waitForStatus(t, st, id, model.StatusCancelled, 5*time.Second)
		if job.ErrorKind != batch.KindCancelled {
			t.Errorf("job %s error kind = %q, want %q", id, job.ErrorKind, batch.KindCancelled)
		}
	}
	if len(remote.Fetches()) != 0 {
		t.Errorf("fetches = %v, want none", remote.Fetches())
	}

	// A second cancel finds nothing to stop.
	req, _ := http.NewRequest(http.MethodDelete, st.url()+"/v1/exports/"+ids[0], nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second DELETE status = %d, want 409", resp.StatusCode)
	}
}

func TestImportsAreAcceptedWithoutWork(t *testing.T) {
	remote := newRemote(t)
	st := newStack(t, filepath.Join(t.TempDir(), "bb.db"), t.TempDir(), config.Remote{BaseURL: remote.URL})

	for _, op := range []string{"create", "update", "delete"} {
		resp := postExport(t, st.url()+"/v1/imports/"+op, map[string]any{"class_name": className})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("%s import status = %d, want 204", op, resp.StatusCode)
		}
	}
	if len(remote.Submissions()) != 0 {
		t.Errorf("imports reached the remote: %v", remote.Submissions())
	}
}
