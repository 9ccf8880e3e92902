package api

import (
	"net/http"

	"github.com/seantiz/batchbridge/internal/batch"
)

// statusClientClosedRequest is reported when the caller went away mid-export.
const statusClientClosedRequest = 499

// statusForKind maps an operation error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case batch.KindInvalidRequest:
		return http.StatusBadRequest
	case batch.KindBatchExportFailed, batch.KindRemoteError, batch.KindUnauthorized,
		batch.KindNotFound, batch.KindMalformedResponse, batch.KindInvalidArchive:
		return http.StatusBadGateway
	case batch.KindPollLimitExceeded, batch.KindTimeout:
		return http.StatusGatewayTimeout
	case batch.KindCancelled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// writeOperationError reports a failed batch operation.
func (s *Server) writeOperationError(w http.ResponseWriter, op string, err error) {
	kind := batch.Kind(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "kind", kind, "error", err)
	} else {
		s.logger.Warn(op, "kind", kind, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
