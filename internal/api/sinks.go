package api

import "net/http"

func (s *Server) handleListSinks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sinks.List())
}
