package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame MessageType = "client_audio_frame"
	TypeClientControl    MessageType = "client_control"
	TypeCaptureState     MessageType = "capture_state"
	TypeTranscriptDelta  MessageType = "transcript_delta"
	TypeErrorEvent       MessageType = "error_event"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int64       `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Locale    string      `json:"locale,omitempty"`
}

type CaptureState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	ConnState string      `json:"conn_state,omitempty"`
}

type TranscriptDelta struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Fragment   string      `json:"fragment"`
	Transcript string      `json:"transcript"`
	TSMs       int64       `json:"ts_ms"`
}

// ErrorEvent carries the localized user message only; raw provider errors
// stay in the server log.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionStart, ActionStop:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// SeqTracker accepts strictly increasing sequence numbers.
type SeqTracker struct {
	mu   sync.Mutex
	last int64
	seen bool
}

// Accept reports whether seq is newer than every sequence accepted so far.
// Duplicates and out-of-order numbers are rejected.
func (t *SeqTracker) Accept(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && seq <= t.last {
		return false
	}
	t.last = seq
	t.seen = true
	return true
}

// Reset forgets the last sequence, e.g. when the client restarts capture.
func (t *SeqTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = 0
	t.seen = false
}
