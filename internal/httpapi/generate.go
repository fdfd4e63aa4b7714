package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/examprep/internal/generation"
)

const maxGenerateAttempts = 10

type generateRequest struct {
	Prompt      string             `json:"prompt"`
	Schema      *generation.Schema `json:"schema,omitempty"`
	MimeType    string             `json:"mime_type"`
	MaxAttempts int                `json:"max_attempts"`
	BaseDelayMS int                `json:"base_delay_ms"`
}

type generateError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type generateResponse struct {
	OK       bool           `json:"ok"`
	Text     string         `json:"text,omitempty"`
	JSON     any            `json:"json,omitempty"`
	Error    *generateError `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// handleGenerate runs one resilient generation. A completed run is always
// 200; failures are part of the result value.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.generation == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "generation not configured")
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	mime, ok := generation.ParseMimeType(req.MimeType)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "mime_type must be text or json")
		return
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > maxGenerateAttempts {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_attempts must be between 1 and 10")
		return
	}

	var opts []generation.RunOption
	if req.MaxAttempts > 0 {
		opts = append(opts, generation.WithMaxAttempts(req.MaxAttempts))
	}
	if req.BaseDelayMS > 0 {
		opts = append(opts, generation.WithBaseDelay(time.Duration(req.BaseDelayMS)*time.Millisecond))
	}

	res := s.generation.Run(r.Context(), generation.Request{
		Prompt:   req.Prompt,
		Schema:   req.Schema,
		MimeType: mime,
	}, opts...)

	out := generateResponse{OK: res.Ok(), Attempts: res.Attempts}
	if res.Ok() {
		out.Text = res.Text
		out.JSON = res.JSON
	} else {
		out.Error = &generateError{
			Kind:    string(res.Err.Kind),
			Message: res.Err.UserMessage(s.locale(r)),
		}
	}
	respondJSON(w, http.StatusOK, out)
}
