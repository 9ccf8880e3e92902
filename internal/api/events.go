package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/batchbridge/internal/model"
)

// handleStreamEvents replays a job's recorded events as SSE and then follows
// live events until the job finishes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	// Events seen in both are skipped by sequence number. A job that is not
	// active has persisted all of its events already.
	ch, unsub := s.engine.Broker().Subscribe(job.ID)
	defer unsub()
	active := s.engine.Active(job.ID)

	history, err := s.store.GetEvents(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("get job events", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	next := 0
	for _, ev := range history {
		if err := writeSSEData(w, ev); err != nil {
			return
		}
		next = ev.Seq + 1
	}
	if !active {
		_ = writeSSEEvent(w, "done", "stream complete")
		if canFlush {
			flusher.Flush()
		}
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if ev.Seq < next {
				continue
			}
			next = ev.Seq + 1
			if err := writeSSEData(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryLine is a single event in the history response.
type eventHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for GET /v1/exports/{id}/events/history.
type eventHistoryResponse struct {
	JobID  string             `json:"job_id"`
	Status string             `json:"status"`
	Events []eventHistoryLine `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("get job events", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job events")
		return
	}

	lines := make([]eventHistoryLine, len(events))
	for i, e := range events {
		lines[i] = eventHistoryLine{
			Seq:       e.Seq,
			Line:      e.Line,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		JobID:  job.ID,
		Status: job.Status,
		Events: lines,
	})
}

// writeSSEData writes an event with its sequence number as the SSE id.
// Multi-line text is split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, ev model.JobEvent) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(ev.Line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
