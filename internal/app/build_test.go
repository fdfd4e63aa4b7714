package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/voice"
)

func TestBuildWithMockProviders(t *testing.T) {
	cfg := config.Config{
		SessionInactivityTimeout: time.Minute,
		GenerationProvider:       "mock",
		GenerationMaxAttempts:    2,
		GenerationBaseDelay:      time.Millisecond,
		VoiceProvider:            "auto",
		Locale:                   "en",
	}
	reg := prometheus.NewRegistry()
	res, err := build(context.Background(), cfg, observability.NewMetricsWithRegistry("test", reg, reg))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if res.Voice.Provider != "mock" {
		t.Fatalf("voice provider = %q, want mock", res.Voice.Provider)
	}
	if res.Config.VoiceProvider != "mock" {
		t.Fatalf("config voice provider = %q, want resolved mock", res.Config.VoiceProvider)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	r, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(`{"prompt":"hello"}`))
	if err != nil {
		t.Fatalf("POST /v1/generate error = %v", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", r.StatusCode)
	}
}

func TestBuildRejectsBadGenerationProvider(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: time.Minute, GenerationProvider: "http", VoiceProvider: "mock"}
	reg := prometheus.NewRegistry()
	if _, err := build(context.Background(), cfg, observability.NewMetricsWithRegistry("test", reg, reg)); err == nil {
		t.Fatalf("build() expected error for http provider without url")
	}
}

func TestResolveVoiceProviders(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		provider string
		wantErr  bool
	}{
		{name: "auto without keys", cfg: config.Config{VoiceProvider: "auto"}, provider: "mock"},
		{name: "explicit mock", cfg: config.Config{VoiceProvider: "mock"}, provider: "mock"},
		{name: "elevenlabs", cfg: config.Config{VoiceProvider: "elevenlabs", ElevenLabsAPIKey: "k"}, provider: "elevenlabs"},
		{name: "auto elevenlabs only", cfg: config.Config{ElevenLabsAPIKey: "k"}, provider: "elevenlabs"},
		{name: "elevenlabs without key", cfg: config.Config{VoiceProvider: "elevenlabs"}, wantErr: true},
		{name: "gemini without key", cfg: config.Config{VoiceProvider: "gemini"}, wantErr: true},
		{name: "unknown", cfg: config.Config{VoiceProvider: "local"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup, err := resolveVoiceProviders(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolveVoiceProviders() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveVoiceProviders() error = %v", err)
			}
			if setup.resolvedProvider != tt.provider {
				t.Fatalf("provider = %q, want %q", setup.resolvedProvider, tt.provider)
			}
			if setup.transcription == nil || setup.synthesizer == nil {
				t.Fatalf("providers not set: %+v", setup)
			}
		})
	}
}

func TestResolveVoiceProvidersAutoFailover(t *testing.T) {
	setup, err := resolveVoiceProviders(context.Background(), config.Config{
		VoiceProvider:      "auto",
		GeminiAPIKey:       "test-key",
		GeminiTTSVoice:     "Kore",
		ElevenLabsAPIKey:   "k",
		ElevenLabsTTSVoice: "v",
	})
	if err != nil {
		t.Fatalf("resolveVoiceProviders() error = %v", err)
	}
	if setup.resolvedProvider != "gemini" || setup.defaultVoiceID != "Kore" {
		t.Fatalf("setup = %+v", setup)
	}
	if _, ok := setup.synthesizer.(*voice.GeminiSpeechSynthesizer); ok {
		t.Fatalf("synthesizer should be wrapped for failover")
	}
}
