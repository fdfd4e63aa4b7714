package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/diagnostics"
	"github.com/antoniostano/examprep/internal/events"
	"github.com/antoniostano/examprep/internal/generation"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/session"
	"github.com/antoniostano/examprep/internal/voice"
)

// Deps are the collaborators behind the HTTP surface. Nil members disable the
// routes that need them.
type Deps struct {
	Sessions      *session.Manager
	Generation    *generation.Client
	Transcription voice.TranscriptionProvider
	Synthesizer   voice.SpeechSynthesizer
	Diagnostics   diagnostics.Store
	Publisher     events.Publisher
	Metrics       *observability.Metrics
}

type Server struct {
	cfg           config.Config
	sessions      *session.Manager
	generation    *generation.Client
	transcription voice.TranscriptionProvider
	synth         voice.SpeechSynthesizer
	diagnostics   diagnostics.Store
	publisher     events.Publisher
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.SessionInactivityTimeout)
	}
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		generation:    deps.Generation,
		transcription: deps.Transcription,
		synth:         deps.Synthesizer,
		diagnostics:   deps.Diagnostics,
		publisher:     publisher,
		metrics:       deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a capture session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/speech/preview", s.handleSpeechPreview)

	r.Post("/v1/capture/session", s.handleCreateSession)
	r.Post("/v1/capture/session/{id}/end", s.handleEndSession)
	r.Get("/v1/capture/ws", s.handleCaptureWS)

	r.Get("/v1/diagnostics/generation", s.handleGenerationDiagnostics)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ready"
	if s.generation == nil || s.transcription == nil || s.synth == nil {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status":              state,
		"generation_provider": s.cfg.GenerationProvider,
		"voice_provider":      s.cfg.VoiceProvider,
		"diagnostics_store":   s.diagnosticsMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Locale) == "" {
		req.Locale = s.cfg.Locale
	}

	sess := s.sessions.Create(req.UserID, req.Locale)
	s.metrics.CaptureEvent("session_created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Locale:          sess.Locale,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.CaptureEvent("session_ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) diagnosticsMode() string {
	switch s.diagnostics.(type) {
	case nil:
		return "disabled"
	case *diagnostics.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

// locale picks the first Accept-Language tag, falling back to the configured
// locale.
func (s *Server) locale(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Accept-Language"))
	if header != "" {
		tag, _, _ := strings.Cut(header, ",")
		tag, _, _ = strings.Cut(tag, ";")
		if tag = strings.TrimSpace(tag); tag != "" && tag != "*" {
			return tag
		}
	}
	return s.cfg.Locale
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
