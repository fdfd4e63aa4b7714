package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultDiagnosticsLimit = 20
	maxDiagnosticsLimit     = 200
)

// handleGenerationDiagnostics lists recently surfaced generation failures.
func (s *Server) handleGenerationDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "diagnostics store not configured")
		return
	}
	limit := defaultDiagnosticsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxDiagnosticsLimit)
	}

	records, err := s.diagnostics.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "diagnostics_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}
