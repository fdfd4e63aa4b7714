package voice

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/reliability"
)

const mockChunksPerFragment = 8

// MockProvider is a local provider used when no speech service is configured.
// Transcription emits a fixed fragment every few chunks; synthesis renders a
// short tone whose length follows the text.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (TranscriptionSession, <-chan TranscriptEvent, error) {
	events := make(chan TranscriptEvent, 64)
	return &mockTranscriptionSession{events: events}, events, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text, _ string) (SpeechAudio, error) {
	if err := ctx.Err(); err != nil {
		return SpeechAudio{}, err
	}
	runes := utf8.RuneCountInString(strings.TrimSpace(text))
	if runes == 0 {
		return SpeechAudio{}, reliability.NewError(reliability.KindNoAudioPayload, "nothing to say", nil)
	}
	d := time.Duration(runes) * 60 * time.Millisecond
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	} else if d > 4*time.Second {
		d = 4 * time.Second
	}
	frame := make(audio.Frame, int(d.Seconds()*audio.SpeechSampleRate))
	for i := range frame {
		frame[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/audio.SpeechSampleRate))
	}
	chunk := audio.Encode(frame, audio.SpeechSampleRate)
	return SpeechAudio{Data: chunk.Data, SampleRate: chunk.SampleRate, Format: "pcm_s16le"}, nil
}

type mockTranscriptionSession struct {
	mu     sync.Mutex
	events chan TranscriptEvent
	chunks int
	closed bool
}

func (s *mockTranscriptionSession) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(chunk.Data) == 0 {
		return nil
	}
	s.chunks++
	if s.chunks%mockChunksPerFragment == 0 {
		select {
		case s.events <- TranscriptEvent{Type: TranscriptEventFragment, Text: "simulated voice input ", Timestamp: time.Now().UnixMilli()}:
		default:
		}
	}
	return nil
}

func (s *mockTranscriptionSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
