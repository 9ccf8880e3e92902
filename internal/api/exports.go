package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	headerTaskID = "X-Export-Task-Id"
)

// exportRequest is the JSON body for POST /v1/exports and /v1/exports/async.
type exportRequest struct {
	ClassName   string `json:"class_name"`
	ContentType string `json:"content_type"`
	SiteID      string `json:"site_id"`
	FieldNames  string `json:"field_names"`
	TimeoutMS   *int64 `json:"timeout_ms"`

	// Sink is only read by the async endpoint. Defaults to filesystem.
	Sink string `json:"sink"`
}

func (req exportRequest) toBatch() batch.ExportRequest {
	out := batch.ExportRequest{
		ClassName:   req.ClassName,
		ContentType: batch.ContentType(req.ContentType),
		SiteID:      req.SiteID,
		FieldNames:  req.FieldNames,
	}
	if req.TimeoutMS != nil {
		out.Timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}
	return out
}

// mediaType is the Content-Type of an unwrapped export entry.
func mediaType(ct batch.ContentType) string {
	switch ct {
	case batch.ContentTypeJSON, batch.ContentTypeJSONT:
		return "application/json"
	case batch.ContentTypeJSONL:
		return "application/x-ndjson"
	case batch.ContentTypeCSV:
		return "text/csv"
	case batch.ContentTypeXLS:
		return "application/vnd.ms-excel"
	case batch.ContentTypeXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

// listExportsResponse wraps the paginated list response.
type listExportsResponse struct {
	Exports []*model.ExportJob `json:"exports"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

func (s *Server) decodeExportRequest(w http.ResponseWriter, r *http.Request) (exportRequest, bool) {
	var req exportRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.ClassName == "" {
		s.writeError(w, http.StatusBadRequest, "class_name is required")
		return req, false
	}
	ct, err := batch.ParseContentType(req.ContentType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.ContentType = string(ct)
	if req.TimeoutMS != nil && *req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return req, false
	}
	return req, true
}

// handleExport runs an export while the caller waits and streams the result.
// By default the body is the first entry of the exported archive; with
// raw=true it is the archive as served by the batch engine.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExportRequest(w, r)
	if !ok {
		return
	}

	// An export waits for the remote task, which can outlast the server's
	// write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for export", "error", err)
	}

	var taskID string
	ops := s.ops.WithObserver(func(ev batch.Event) {
		if ev.Kind == batch.EventSubmitted {
			taskID = ev.TaskID
		}
	})

	var (
		content  io.ReadCloser
		filename string
		ctype    = mediaType(batch.ContentType(req.ContentType))
	)
	if parseBoolQuery(r, "raw") {
		body, _, err := ops.ExportRaw(r.Context(), req.toBatch())
		if err != nil {
			s.writeOperationError(w, "export", err)
			return
		}
		content, filename, ctype = body, batch.ExportFileName, "application/zip"
	} else {
		entry, err := ops.Export(r.Context(), req.toBatch())
		if err != nil {
			s.writeOperationError(w, "export", err)
			return
		}
		content, filename = entry, entry.Name
	}
	defer content.Close()

	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set(headerTaskID, taskID)
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, content)
	if err != nil {
		// Headers are gone; the truncated body is all the caller gets.
		s.logger.Error("stream export content", "task_id", taskID, "bytes", n, "error", err)
		return
	}
	s.logger.Info("export streamed", "task_id", taskID, "class_name", req.ClassName, "bytes", n)
}

func (s *Server) handleAsyncExport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExportRequest(w, r)
	if !ok {
		return
	}

	if req.Sink == "" {
		req.Sink = model.SinkFilesystem
	}
	if _, err := s.sinks.Resolve(req.Sink); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &model.ExportJob{
		ID:          model.NewID(),
		Status:      model.StatusPending,
		ClassName:   req.ClassName,
		ContentType: req.ContentType,
		SiteID:      req.SiteID,
		FieldNames:  req.FieldNames,
		Sink:        req.Sink,
		TimeoutMS:   req.TimeoutMS,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), job); err != nil {
		if errors.Is(err, batch.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit export job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit export job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

// lookupJob loads the job named in the URL, writing 404 or 500 on failure.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*model.ExportJob, bool) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "export job not found")
		return nil, false
	}

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "export job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get export job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get export job")
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list export jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.ExportJob{}
	}

	s.writeJSON(w, http.StatusOK, listExportsResponse{
		Exports: jobs,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCancelExport stops an in-flight job. The job reaches cancelled
// asynchronously; the reply carries its state at the time of the request.
func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if model.Terminal(job.Status) {
		s.writeError(w, http.StatusConflict, "export job already "+job.Status)
		return
	}

	if err := s.engine.Cancel(job.ID); err != nil {
		if errors.Is(err, engine.ErrNotActive) {
			s.writeError(w, http.StatusConflict, "export job is not active")
			return
		}
		s.logger.Error("cancel export job", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel export job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}
