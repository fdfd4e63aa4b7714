package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverPair builds transcription and synthesis providers that prefer the
// primary backend and switch to fallback when a primary call fails. Once
// fallback succeeds it stays active until it fails; then primary is retried.
func NewFailoverPair(
	primaryTranscription TranscriptionProvider,
	primarySynthesis SpeechSynthesizer,
	fallbackTranscription TranscriptionProvider,
	fallbackSynthesis SpeechSynthesizer,
	fallbackVoiceID string,
) (TranscriptionProvider, SpeechSynthesizer) {
	state := &failoverState{}
	return &failoverTranscription{
			state:    state,
			primary:  primaryTranscription,
			fallback: fallbackTranscription,
		}, &failoverSynthesis{
			state:           state,
			primary:         primarySynthesis,
			fallback:        fallbackSynthesis,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

type failoverTranscription struct {
	state    *failoverState
	primary  TranscriptionProvider
	fallback TranscriptionProvider
}

func (p *failoverTranscription) StartSession(ctx context.Context, sessionID string) (TranscriptionSession, <-chan TranscriptEvent, error) {
	if p.state.isFallbackActive() {
		session, events, fbErr := p.fallback.StartSession(ctx, sessionID)
		if fbErr == nil {
			return session, events, nil
		}
		// Fallback failed after being active; try primary again.
		session, events, prErr := p.primary.StartSession(ctx, sessionID)
		if prErr == nil {
			p.state.deactivateFallback()
			return session, events, nil
		}
		return nil, nil, fmt.Errorf("transcription fallback failed: %v; transcription primary failed: %w", fbErr, prErr)
	}

	session, events, prErr := p.primary.StartSession(ctx, sessionID)
	if prErr == nil {
		return session, events, nil
	}
	if ctx.Err() != nil {
		return nil, nil, prErr
	}

	session, events, fbErr := p.fallback.StartSession(ctx, sessionID)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("transcription primary failed: %v; transcription fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return session, events, nil
}

type failoverSynthesis struct {
	state           *failoverState
	primary         SpeechSynthesizer
	fallback        SpeechSynthesizer
	fallbackVoiceID string
}

func (p *failoverSynthesis) Synthesize(ctx context.Context, text, voiceID string) (SpeechAudio, error) {
	if p.state.isFallbackActive() {
		speech, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackVoice(voiceID))
		if fbErr == nil {
			return speech, nil
		}
		speech, prErr := p.primary.Synthesize(ctx, text, voiceID)
		if prErr == nil {
			p.state.deactivateFallback()
			return speech, nil
		}
		return SpeechAudio{}, fmt.Errorf("synthesis fallback failed: %v; synthesis primary failed: %w", fbErr, prErr)
	}

	speech, prErr := p.primary.Synthesize(ctx, text, voiceID)
	if prErr == nil {
		return speech, nil
	}
	if ctx.Err() != nil {
		return SpeechAudio{}, prErr
	}
	speech, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackVoice(voiceID))
	if fbErr != nil {
		return SpeechAudio{}, fmt.Errorf("synthesis primary failed: %v; synthesis fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return speech, nil
}

func (p *failoverSynthesis) fallbackVoice(voiceID string) string {
	if p.fallbackVoiceID != "" {
		return p.fallbackVoiceID
	}
	return voiceID
}
