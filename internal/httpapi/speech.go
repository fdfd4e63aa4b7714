package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/reliability"
)

type speechPreviewRequest struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`
}

// handleSpeechPreview synthesizes text and returns it as a WAV file.
func (s *Server) handleSpeechPreview(w http.ResponseWriter, r *http.Request) {
	if s.synth == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech synthesis not configured")
		return
	}
	var req speechPreviewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	speech, err := s.synth.Synthesize(r.Context(), text, strings.TrimSpace(req.VoiceID))
	if err == nil && len(speech.Data) == 0 {
		err = reliability.NewError(reliability.KindNoAudioPayload, "synthesizer returned no audio", nil)
	}
	if err != nil {
		kind := reliability.KindRequestFailed
		if reliability.KindOf(err) == reliability.KindNoAudioPayload {
			kind = reliability.KindNoAudioPayload
		}
		log.Printf("speech preview: %s: %v", kind, err)
		s.metrics.ProviderError("speech", string(kind))
		respondError(w, http.StatusBadGateway, string(kind), reliability.UserMessage(kind, s.locale(r)))
		return
	}

	rate := speech.SampleRate
	if rate <= 0 {
		rate = audio.SpeechSampleRate
	}
	wav, err := audio.EncodeWAVPCM16LE(speech.Data, rate)
	if err != nil {
		kind := reliability.KindNoAudioPayload
		log.Printf("speech preview: wrap wav: %v", err)
		respondError(w, http.StatusBadGateway, string(kind), reliability.UserMessage(kind, s.locale(r)))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	if speech.Format != "" {
		w.Header().Set("X-Audio-Format", speech.Format)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}
