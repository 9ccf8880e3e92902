// Package liferaytest provides an in-process fake of the headless batch
// engine's export endpoints for tests and local development.
package liferaytest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/batchbridge/internal/liferay"
)

// Submission records one export task creation request.
type Submission struct {
	ClassName   string
	ContentType string
	Query       url.Values
	Auth        string
}

// Server is a fake batch engine. Configure the exported fields before the
// first request; they are read under the server's lock.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// NextID is the id assigned to the next submitted task.
	NextID int64

	// Statuses is the executeStatus sequence returned by successive polls of
	// a task. The last element repeats. Empty means "COMPLETED".
	Statuses []string

	// ErrorMessage is reported alongside a FAILED status.
	ErrorMessage string

	// Content is served from the content endpoint.
	Content []byte

	// SubmitStatus overrides the HTTP status of task creation when non-zero.
	SubmitStatus int

	// OmitID drops the id field from the creation response.
	OmitID bool

	submissions []Submission
	issued      map[string]bool
	polls       map[string]int
	pollOrder   []string
	fetches     []string
}

// NewServer starts a fake batch engine. The caller must Close it.
func NewServer() *Server {
	s := &Server{
		NextID: 1,
		issued: make(map[string]bool),
		polls:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.Handler())
	return s
}

// Handler returns the fake's routes without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(liferay.TokenPath, s.handleToken)
	r.Route(liferay.BatchEngineBase+"/v1.0/export-task", func(r chi.Router) {
		r.Post("/{className}/{contentType}", s.handleSubmit)
		r.Get("/{exportTaskId}", s.handleStatus)
		r.Get("/{exportTaskId}/content", s.handleContent)
	})
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "token-" + r.PostForm.Get("client_id"),
		"token_type":   "Bearer",
		"expires_in":   600,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.submissions = append(s.submissions, Submission{
		ClassName:   chi.URLParam(r, "className"),
		ContentType: chi.URLParam(r, "contentType"),
		Query:       r.URL.Query(),
		Auth:        r.Header.Get("Authorization"),
	})
	id := s.NextID
	s.NextID++
	s.issued[strconv.FormatInt(id, 10)] = true
	status := s.SubmitStatus
	omit := s.OmitID
	s.mu.Unlock()

	if status != 0 && (status < 200 || status > 299) {
		writeJSON(w, status, map[string]any{"title": "export task rejected", "status": status})
		return
	}
	body := map[string]any{"executeStatus": "INITIAL", "className": chi.URLParam(r, "className")}
	if !omit {
		body["id"] = id
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exportTaskId")

	s.mu.Lock()
	if !s.knownLocked(id) {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"title": "no export task " + id, "status": 404})
		return
	}
	n := s.polls[id]
	s.polls[id] = n + 1
	s.pollOrder = append(s.pollOrder, id)
	status := "COMPLETED"
	if len(s.Statuses) > 0 {
		status = s.Statuses[min(n, len(s.Statuses)-1)]
	}
	msg := s.ErrorMessage
	s.mu.Unlock()

	numeric, _ := strconv.ParseInt(id, 10, 64)
	body := map[string]any{"id": numeric, "executeStatus": status}
	if msg != "" {
		body["errorMessage"] = msg
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exportTaskId")

	s.mu.Lock()
	known := s.knownLocked(id)
	if known {
		s.fetches = append(s.fetches, id)
	}
	content := s.Content
	s.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"title": "no export task " + id, "status": 404})
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="export.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// knownLocked reports whether id was handed out by a submission.
func (s *Server) knownLocked(id string) bool {
	return s.issued[id]
}

// Submissions returns the recorded task creation requests.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Polls returns how many times the given task's status was fetched.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[id]
}

// PolledIDs returns task ids in the order their status was fetched.
func (s *Server) PolledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pollOrder...)
}

// Fetches returns the task ids whose content was downloaded.
func (s *Server) Fetches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetches...)
}

// SetStatuses replaces the poll status sequence.
func (s *Server) SetStatuses(statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses = statuses
}

// SetContent replaces the served export content.
func (s *Server) SetContent(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Content = b
}

// ZipOf builds a deflated zip archive with one entry per name/data pair, in
// argument order.
func ZipOf(entries ...Entry) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		var (
			w   io.Writer
			err error
		)
		if e.Stored {
			// Raw entries carry their sizes in the local header, which is
			// what a streaming reader needs for uncompressed data.
			w, err = zw.CreateRaw(&zip.FileHeader{
				Name:               e.Name,
				Method:             zip.Store,
				CRC32:              crc32.ChecksumIEEE(e.Data),
				CompressedSize64:   uint64(len(e.Data)),
				UncompressedSize64: uint64(len(e.Data)),
			})
		} else {
			w, err = zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate})
		}
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(e.Data); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Entry is one file inside an archive built by ZipOf.
type Entry struct {
	Name   string
	Data   []byte
	Stored bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
