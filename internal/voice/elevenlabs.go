package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey          string
	WSBaseURL       string
	STTModelID      string
	TTSModelID      string
	DefaultVoiceID  string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// ElevenLabsProvider implements realtime transcription and speech synthesis
// over the ElevenLabs websocket APIs.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_24000"
	}
	return &ElevenLabsProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *ElevenLabsProvider) headers() http.Header {
	h := http.Header{}
	h.Set("xi-api-key", p.cfg.APIKey)
	return h
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (TranscriptionSession, <-chan TranscriptEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, nil, dialError("stt", resp, err)
	}

	events := make(chan TranscriptEvent, 256)
	s := &elevenSTTSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

// Synthesize streams text through the stream-input endpoint and collects the
// audio chunks into one utterance.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voiceID string) (SpeechAudio, error) {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = strings.TrimSpace(p.cfg.DefaultVoiceID)
	}
	if voiceID == "" {
		return SpeechAudio{}, errors.New("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return SpeechAudio{}, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.TTSModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return SpeechAudio{}, dialError("tts", resp, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Prime the stream, send the text, then an empty text to flush.
	messages := []map[string]any{
		{"text": " ", "voice_settings": p.voiceSettings()},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			return SpeechAudio{}, fmt.Errorf("write tts message: %w", err)
		}
	}

	var encoded []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SpeechAudio{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return SpeechAudio{}, fmt.Errorf("read tts stream: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			if reliability.IsRetryableRealtimeMessageType(code) {
				return SpeechAudio{}, &reliability.StatusError{Code: http.StatusTooManyRequests, Message: errMsg}
			}
			return SpeechAudio{}, fmt.Errorf("tts error %s: %s", code, errMsg)
		}
		if chunk := asString(raw["audio"]); chunk != "" {
			decoded, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				return SpeechAudio{}, fmt.Errorf("decode tts chunk: %w", err)
			}
			encoded = append(encoded, decoded...)
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			break
		}
	}
	if len(encoded) == 0 {
		return SpeechAudio{}, reliability.NewError(reliability.KindNoAudioPayload, "elevenlabs returned no audio", nil)
	}
	return decodeElevenLabsAudio(encoded, p.cfg.OutputFormat)
}

func (p *ElevenLabsProvider) voiceSettings() map[string]any {
	return map[string]any{
		"stability":        clampDefault(p.cfg.Stability, 0.42, 0, 1),
		"similarity_boost": clampDefault(p.cfg.SimilarityBoost, 0.85, 0, 1),
		"speed":            clampDefault(p.cfg.Speed, 1.0, 0.7, 1.2),
	}
}

func clampDefault(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// decodeElevenLabsAudio normalises an output_format payload to PCM16 mono.
func decodeElevenLabsAudio(data []byte, format string) (SpeechAudio, error) {
	codec, rateText, _ := strings.Cut(format, "_")
	switch codec {
	case "pcm":
		rate, err := strconv.Atoi(rateText)
		if err != nil || rate <= 0 {
			rate = audio.SpeechSampleRate
		}
		return SpeechAudio{Data: data, SampleRate: rate, Format: format}, nil
	case "mp3":
		pcm, rate, err := audio.DecodeMP3(data)
		if err != nil {
			return SpeechAudio{}, reliability.NewError(reliability.KindNoAudioPayload, err.Error(), err)
		}
		return SpeechAudio{Data: pcm, SampleRate: rate, Format: format}, nil
	default:
		return SpeechAudio{}, fmt.Errorf("unsupported elevenlabs output format %q", format)
	}
}

func dialError(kind string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode >= 400 {
		return &reliability.StatusError{Code: resp.StatusCode, Message: "dial " + kind + " websocket", Err: err}
	}
	return fmt.Errorf("dial %s websocket: %w", kind, err)
}

type elevenSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TranscriptEvent
}

func (s *elevenSTTSession) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	sampleRate := chunk.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.CaptureSampleRate
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": chunk.Base64(),
		"commit":        false,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "committed_transcript", "committed_transcript_with_timestamps":
			now := time.Now().UnixMilli()
			if text := asString(raw["text"]); text != "" {
				s.events <- TranscriptEvent{Type: TranscriptEventFragment, Text: text, Timestamp: now}
			}
			s.events <- TranscriptEvent{Type: TranscriptEventTurnComplete, Timestamp: now}
		case "partial_transcript", "session_started", "", "input_audio_chunk":
			// interim and control events
		default:
			s.events <- TranscriptEvent{
				Type:      TranscriptEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: time.Now().UnixMilli(),
			}
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
