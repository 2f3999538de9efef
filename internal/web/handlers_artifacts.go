package web

import (
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
)

var artifactTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xml":  "application/xml",
	".csv":  "text/csv; charset=utf-8",
}

// handleArtifact downloads a stored workbook, document or changelog by key.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	data, err := s.service.ReadArtifact(r.Context(), key)
	if err != nil {
		respondError(w, r, err)
		return
	}

	contentType, ok := artifactTypes[path.Ext(key)]
	if !ok {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunQueueStatus reports run slot usage.
func (s *Server) handleRunQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}
