package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/diagnostics"
	"github.com/antoniostano/examprep/internal/events"
	"github.com/antoniostano/examprep/internal/generation"
	"github.com/antoniostano/examprep/internal/httpapi"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/session"
	"github.com/antoniostano/examprep/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
}

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Sessions      *session.Manager
	Generation    *generation.Client
	Transcription voice.TranscriptionProvider
	Synthesizer   voice.SpeechSynthesizer
	Metrics       *observability.Metrics
	Voice         VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, redis).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	return build(ctx, cfg, metrics)
}

func build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	store, err := diagnostics.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("diagnostics store init failed: %w", err)
	}

	publisher, err := events.NewPublisher(ctx, cfg.RedisURL, cfg.RedisChannelPrefix)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}

	cleanup := func() error {
		var errs []error
		if err := publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close diagnostics store: %w", err))
		}
		return errors.Join(errs...)
	}

	generator, err := generation.NewGenerator(ctx, generation.Config{
		Mode:         cfg.GenerationProvider,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiTextModel,
		HTTPURL:      cfg.GenerationHTTPURL,
	})
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("generator init failed: %w", err)
	}
	client := generation.NewClient(generator,
		generation.WithMetrics(metrics),
		generation.WithRecorder(store),
		generation.WithDefaults(cfg.GenerationMaxAttempts, cfg.GenerationBaseDelay),
	)

	voices, err := resolveVoiceProviders(ctx, cfg)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	cfg.VoiceProvider = voices.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		log.Printf("session %s: expired after inactivity", s.ID)
		metrics.CaptureEvent("session_expired")
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:      sessions,
		Generation:    client,
		Transcription: voices.transcription,
		Synthesizer:   voices.synthesizer,
		Diagnostics:   store,
		Publisher:     publisher,
		Metrics:       metrics,
	})

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Sessions:      sessions,
		Generation:    client,
		Transcription: voices.transcription,
		Synthesizer:   voices.synthesizer,
		Metrics:       metrics,
		Voice: VoiceInfo{
			Provider:       voices.resolvedProvider,
			Detail:         voices.detail,
			DefaultVoiceID: voices.defaultVoiceID,
		},
		Cleanup: cleanup,
	}, nil
}
