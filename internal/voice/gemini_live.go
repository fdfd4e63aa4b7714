package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/reliability"
)

const DefaultGeminiLiveModel = "gemini-live-2.5-flash-preview"

type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type liveConnectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// GeminiLiveProvider transcribes microphone audio through the Gemini Live
// API using input audio transcription.
type GeminiLiveProvider struct {
	model   string
	connect liveConnectFunc
}

func NewGeminiLiveProvider(ctx context.Context, apiKey, model string) (*GeminiLiveProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiLiveProvider(model, func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		sess, err := client.Live.Connect(ctx, model, cfg)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}), nil
}

func newGeminiLiveProvider(model string, connect liveConnectFunc) *GeminiLiveProvider {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultGeminiLiveModel
	}
	return &GeminiLiveProvider{model: model, connect: connect}
}

func (p *GeminiLiveProvider) StartSession(ctx context.Context, sessionID string) (TranscriptionSession, <-chan TranscriptEvent, error) {
	sess, err := p.connect(ctx, p.model, &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect gemini live: %w", reliability.FromGenAI(err))
	}
	events := make(chan TranscriptEvent, 256)
	s := &geminiLiveSession{id: sessionID, sess: sess, events: events}
	go s.readLoop()
	return s, events, nil
}

type geminiLiveSession struct {
	id        string
	sess      liveSession
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	events    chan TranscriptEvent
}

func (s *geminiLiveSession) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(chunk.SampleRate)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: mime, Data: chunk.Data},
	})
}

func (s *geminiLiveSession) readLoop() {
	defer close(s.events)
	for {
		msg, err := s.sess.Receive()
		if err != nil {
			if !s.closed.Load() {
				log.Printf("gemini live %s: receive: %v", s.id, err)
			}
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			s.events <- TranscriptEvent{Type: TranscriptEventError, Code: "go_away", Detail: "server requested disconnect", Retryable: true, Timestamp: time.Now().UnixMilli()}
		}
		content := msg.ServerContent
		if content == nil {
			continue
		}
		if t := content.InputTranscription; t != nil && t.Text != "" {
			s.events <- TranscriptEvent{Type: TranscriptEventFragment, Text: t.Text, Timestamp: time.Now().UnixMilli()}
		}
		if content.TurnComplete {
			s.events <- TranscriptEvent{Type: TranscriptEventTurnComplete, Timestamp: time.Now().UnixMilli()}
		}
	}
}

func (s *geminiLiveSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		retErr = s.sess.Close()
	})
	return retErr
}
