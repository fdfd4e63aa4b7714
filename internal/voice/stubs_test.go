package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/antoniostano/examprep/internal/audio"
)

type stubTranscriptionProvider struct {
	mu           sync.Mutex
	calls        int
	startSession func(ctx context.Context, sessionID string) (TranscriptionSession, <-chan TranscriptEvent, error)
}

func (p *stubTranscriptionProvider) StartSession(ctx context.Context, sessionID string) (TranscriptionSession, <-chan TranscriptEvent, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.startSession(ctx, sessionID)
}

type stubSynthesizer struct {
	mu         sync.Mutex
	calls      int
	synthesize func(ctx context.Context, text, voiceID string) (SpeechAudio, error)
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (SpeechAudio, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.synthesize(ctx, text, voiceID)
}

// fakeConn records sent chunks and exposes the event channel to the test.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closes  int
	sendErr error
	// gate, when set before Start, holds every send until it is closed.
	gate   chan struct{}
	events chan TranscriptEvent
	order  *[]string
	done   sync.Once
}

func newFakeConn(order *[]string) *fakeConn {
	return &fakeConn{events: make(chan TranscriptEvent, 64), order: order}
}

func (c *fakeConn) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), chunk.Data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.order != nil {
		*c.order = append(*c.order, "connection")
	}
	c.done.Do(func() { close(c.events) })
	return nil
}

// remoteClose simulates the server dropping the connection.
func (c *fakeConn) remoteClose() {
	c.done.Do(func() { close(c.events) })
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDevice grants access immediately unless gate is set, in which case
// RequestAccess blocks until gate yields a decision or ctx ends.
type fakeDevice struct {
	mu       sync.Mutex
	gate     chan error
	streams  []*fakeStream
	order    *[]string
	subErr   error
	closeErr error
}

var errDenied = errors.New("user dismissed the prompt")

func (d *fakeDevice) RequestAccess(ctx context.Context, _ CaptureConfig) (CaptureStream, error) {
	if d.gate != nil {
		select {
		case err := <-d.gate:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := &fakeStream{order: d.order, subErr: d.subErr, closeErr: d.closeErr}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakeStream struct {
	mu         sync.Mutex
	fn         func(audio.Frame)
	subErr     error
	subCloses  int
	trackStops int
	ctxCloses  int
	closeErr   error
	order      *[]string
}

func (s *fakeStream) Subscribe(fn func(audio.Frame)) (Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return subscriptionFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subCloses++
		s.fn = nil
		if s.order != nil {
			*s.order = append(*s.order, "subscription")
		}
		return nil
	}), nil
}

func (s *fakeStream) emit(frame audio.Frame) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (s *fakeStream) StopTracks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackStops++
	if s.order != nil {
		*s.order = append(*s.order, "tracks")
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxCloses++
	if s.order != nil {
		*s.order = append(*s.order, "context")
	}
	return s.closeErr
}

func (s *fakeStream) counts() (sub, tracks, ctx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subCloses, s.trackStops, s.ctxCloses
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error { return f() }

type fakePlaybackDevice struct {
	mu      sync.Mutex
	state   PlaybackState
	resumes int
	sources []*fakeSource
	playErr error
}

func (d *fakePlaybackDevice) State() PlaybackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == "" {
		return PlaybackRunning
	}
	return d.state
}

func (d *fakePlaybackDevice) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	d.state = PlaybackRunning
	return nil
}

func (d *fakePlaybackDevice) Play(buf audio.Buffer, onEnded func()) (PlaybackSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playErr != nil {
		return nil, d.playErr
	}
	src := &fakeSource{buf: buf, onEnded: onEnded}
	d.sources = append(d.sources, src)
	return src, nil
}

func (d *fakePlaybackDevice) allSources() []*fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSource(nil), d.sources...)
}

type fakeSource struct {
	mu      sync.Mutex
	buf     audio.Buffer
	onEnded func()
	stops   int
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
