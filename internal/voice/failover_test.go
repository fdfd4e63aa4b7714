package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primaryT := &stubTranscriptionProvider{
		startSession: func(context.Context, string) (TranscriptionSession, <-chan TranscriptEvent, error) {
			return nil, nil, primaryErr
		},
	}
	fallbackT := &stubTranscriptionProvider{
		startSession: func(context.Context, string) (TranscriptionSession, <-chan TranscriptEvent, error) {
			c := newFakeConn(nil)
			return c, c.events, nil
		},
	}
	primaryS := &stubSynthesizer{
		synthesize: func(context.Context, string, string) (SpeechAudio, error) {
			return SpeechAudio{}, primaryErr
		},
	}
	fallbackS := &stubSynthesizer{
		synthesize: func(context.Context, string, string) (SpeechAudio, error) {
			return SpeechAudio{Data: []byte{0, 0}}, nil
		},
	}

	tr, syn := NewFailoverPair(primaryT, primaryS, fallbackT, fallbackS, "")

	if _, _, err := tr.StartSession(ctx, "session-1"); err != nil {
		t.Fatalf("StartSession() unexpected error = %v", err)
	}
	if _, _, err := tr.StartSession(ctx, "session-2"); err != nil {
		t.Fatalf("StartSession() on fallback unexpected error = %v", err)
	}
	if _, err := syn.Synthesize(ctx, "hi", "v"); err != nil {
		t.Fatalf("Synthesize() unexpected error = %v", err)
	}
	if _, err := syn.Synthesize(ctx, "hi", "v"); err != nil {
		t.Fatalf("Synthesize() on fallback unexpected error = %v", err)
	}

	if primaryT.calls != 1 {
		t.Fatalf("primary transcription calls = %d, want 1", primaryT.calls)
	}
	if fallbackT.calls != 2 {
		t.Fatalf("fallback transcription calls = %d, want 2", fallbackT.calls)
	}
	if primaryS.calls != 0 {
		t.Fatalf("primary synthesis calls = %d, want 0 once fallback active", primaryS.calls)
	}
	if fallbackS.calls != 2 {
		t.Fatalf("fallback synthesis calls = %d, want 2", fallbackS.calls)
	}
}

func TestFailoverPairMapsFallbackVoice(t *testing.T) {
	ctx := context.Background()
	var seenVoice string
	primaryS := &stubSynthesizer{
		synthesize: func(context.Context, string, string) (SpeechAudio, error) {
			return SpeechAudio{}, errors.New("quota exceeded")
		},
	}
	fallbackS := &stubSynthesizer{
		synthesize: func(_ context.Context, _ string, voiceID string) (SpeechAudio, error) {
			seenVoice = voiceID
			return SpeechAudio{Data: []byte{0, 0}}, nil
		},
	}

	_, syn := NewFailoverPair(nil, primaryS, nil, fallbackS, "Kore")
	if _, err := syn.Synthesize(ctx, "hello", "eleven_voice"); err != nil {
		t.Fatalf("Synthesize() unexpected error = %v", err)
	}
	if seenVoice != "Kore" {
		t.Fatalf("fallback voice = %q, want %q", seenVoice, "Kore")
	}
}

func TestFailoverPairReturnsCombinedErrorWhenBothFail(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary down")
	fallbackErr := errors.New("fallback down")

	failT := func(err error) *stubTranscriptionProvider {
		return &stubTranscriptionProvider{startSession: func(context.Context, string) (TranscriptionSession, <-chan TranscriptEvent, error) {
			return nil, nil, err
		}}
	}
	failS := func(err error) *stubSynthesizer {
		return &stubSynthesizer{synthesize: func(context.Context, string, string) (SpeechAudio, error) {
			return SpeechAudio{}, err
		}}
	}

	tr, syn := NewFailoverPair(failT(primaryErr), failS(primaryErr), failT(fallbackErr), failS(fallbackErr), "")
	if _, _, err := tr.StartSession(ctx, "session-1"); !errors.Is(err, fallbackErr) {
		t.Fatalf("StartSession() error = %v, want wrapped fallback error", err)
	}
	if _, err := syn.Synthesize(ctx, "x", "v"); !errors.Is(err, fallbackErr) {
		t.Fatalf("Synthesize() error = %v, want wrapped fallback error", err)
	}
}
