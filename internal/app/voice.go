package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/voice"
)

type voiceSetup struct {
	transcription    voice.TranscriptionProvider
	synthesizer      voice.SpeechSynthesizer
	resolvedProvider string
	defaultVoiceID   string
	detail           string
}

func resolveVoiceProviders(ctx context.Context, cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryGemini := func() (voiceSetup, bool, error) {
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return voiceSetup{}, false, nil
		}
		live, err := voice.NewGeminiLiveProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiLiveModel)
		if err != nil {
			return voiceSetup{}, false, fmt.Errorf("gemini live provider init failed: %w", err)
		}
		tts, err := voice.NewGeminiSpeechSynthesizer(ctx, cfg.GeminiAPIKey, cfg.GeminiTTSModel, cfg.GeminiTTSVoice)
		if err != nil {
			return voiceSetup{}, false, fmt.Errorf("gemini speech init failed: %w", err)
		}
		return voiceSetup{
			transcription:    live,
			synthesizer:      tts,
			resolvedProvider: "gemini",
			defaultVoiceID:   cfg.GeminiTTSVoice,
			detail:           "gemini live + gemini tts",
		}, true, nil
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			WSBaseURL:      cfg.ElevenLabsWSBaseURL,
			STTModelID:     cfg.ElevenLabsSTTModel,
			TTSModelID:     cfg.ElevenLabsTTSModel,
			DefaultVoiceID: cfg.ElevenLabsTTSVoice,
			OutputFormat:   cfg.ElevenLabsTTSOutputFormat,
		})
		return voiceSetup{
			transcription:    p,
			synthesizer:      p,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			detail:           "elevenlabs realtime",
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			transcription:    p,
			synthesizer:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "gemini":
		setup, ok, err := tryGemini()
		if err != nil {
			return voiceSetup{}, err
		}
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
		return setup, nil
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		geminiSetup, hasGemini, err := tryGemini()
		if err != nil {
			return voiceSetup{}, err
		}
		elevenSetup, hasEleven := tryElevenLabs()

		if hasGemini && hasEleven {
			transcription, synthesizer := voice.NewFailoverPair(
				geminiSetup.transcription,
				geminiSetup.synthesizer,
				elevenSetup.transcription,
				elevenSetup.synthesizer,
				elevenSetup.defaultVoiceID,
			)
			return voiceSetup{
				transcription:    transcription,
				synthesizer:      synthesizer,
				resolvedProvider: "gemini",
				defaultVoiceID:   geminiSetup.defaultVoiceID,
				detail:           "gemini (automatic elevenlabs fallback)",
			}, nil
		}
		if hasGemini {
			return geminiSetup, nil
		}
		if hasEleven {
			return elevenSetup, nil
		}
		return mock("mock (no gemini or elevenlabs key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|gemini|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
