package voice

import (
	"context"
	"errors"

	"github.com/antoniostano/examprep/internal/audio"
)

// ErrPermissionDenied is returned by capture devices when access to the
// microphone is refused or the device cannot be opened.
var ErrPermissionDenied = errors.New("capture permission denied")

type TranscriptEventType string

const (
	TranscriptEventFragment     TranscriptEventType = "fragment"
	TranscriptEventTurnComplete TranscriptEventType = "turn_complete"
	TranscriptEventError        TranscriptEventType = "error"
)

type TranscriptEvent struct {
	Type      TranscriptEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// TranscriptionSession is one open streaming connection. The event channel
// returned alongside it is closed when the remote side goes away.
type TranscriptionSession interface {
	SendAudio(ctx context.Context, chunk audio.EncodedChunk) error
	Close() error
}

type TranscriptionProvider interface {
	StartSession(ctx context.Context, sessionID string) (TranscriptionSession, <-chan TranscriptEvent, error)
}

// SpeechAudio is a complete synthesized utterance as PCM16 little-endian mono.
type SpeechAudio struct {
	Data       []byte
	SampleRate int
	Format     string
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (SpeechAudio, error)
}

type CaptureConfig struct {
	SampleRate int
	FrameSize  int
}

// CaptureDevice grants access to a microphone. RequestAccess may block while
// the user decides.
type CaptureDevice interface {
	RequestAccess(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// CaptureStream is a granted microphone plus its audio context.
type CaptureStream interface {
	// Subscribe connects the processing graph; fn receives frames in capture
	// order on a single goroutine and must not retain the slice.
	Subscribe(fn func(audio.Frame)) (Subscription, error)
	StopTracks() error
	Close() error
}

type Subscription interface {
	Close() error
}

type PlaybackState string

const (
	PlaybackRunning   PlaybackState = "running"
	PlaybackSuspended PlaybackState = "suspended"
	PlaybackClosed    PlaybackState = "closed"
)

type PlaybackDevice interface {
	State() PlaybackState
	Resume(ctx context.Context) error
	// Play starts buf immediately. onEnded fires once when the buffer has
	// played to the end, never after the source was stopped, and never
	// synchronously from within Play.
	Play(buf audio.Buffer, onEnded func()) (PlaybackSource, error)
}

type PlaybackSource interface {
	Stop() error
}
