package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/seantiz/batchbridge/internal/batch"
)

type importOperation int

const (
	importCreate importOperation = iota
	importUpdate
	importDelete
)

// importRequest is the JSON body for POST /v1/imports/{operation}.
type importRequest struct {
	ClassName string `json:"class_name"`
}

func (s *Server) importFunc(op importOperation) func(context.Context, string) (*batch.ImportResult, error) {
	switch op {
	case importUpdate:
		return s.ops.UpdateImport
	case importDelete:
		return s.ops.DeleteImport
	}
	return s.ops.CreateImport
}

// handleImport serves the import operations. They carry no result, so a
// successful call replies 204.
func (s *Server) handleImport(op importOperation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ClassName == "" {
			s.writeError(w, http.StatusBadRequest, "class_name is required")
			return
		}

		res, err := s.importFunc(op)(r.Context(), req.ClassName)
		if err != nil {
			s.writeOperationError(w, "import", err)
			return
		}
		if res == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	}
}
