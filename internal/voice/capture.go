package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/reliability"
)

type CaptureState string

const (
	CaptureIdle               CaptureState = "idle"
	CaptureAwaitingPermission CaptureState = "awaiting_permission"
	CaptureRecording          CaptureState = "recording"
	CaptureProcessing         CaptureState = "processing"
	CaptureFinished           CaptureState = "finished"
	CaptureError              CaptureState = "error"
)

// ConnState tracks the streaming transcription connection of the current run.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
)

const (
	DefaultCaptureFrameSize = 4096
	defaultFrameQueueLimit  = 512
)

var (
	ErrInvalidTransition = errors.New("invalid capture state transition")
	ErrSessionClosed     = errors.New("capture session closed")
	ErrStartCancelled    = errors.New("capture start cancelled")
)

// TranscriptUpdate is delivered to subscribers on every fragment and state
// change. Message is the localized user-facing text when State is error.
type TranscriptUpdate struct {
	SessionID  string
	Fragment   string
	Transcript string
	State      CaptureState
	Kind       reliability.Kind
	Message    string
}

type CaptureSessionConfig struct {
	ID         string
	Device     CaptureDevice
	Provider   TranscriptionProvider
	SampleRate int
	FrameSize  int
	Locale     string
	Metrics    *observability.Metrics
	QueueLimit int
}

// CaptureSession records from a capture device, streams encoded frames to a
// transcription provider and accumulates the transcript.
//
// Each run (Start to finished/error) has a generation number. Goroutines and
// callbacks spawned for a run carry it and become no-ops once it changes, so
// late events from a torn-down run never touch the session.
type CaptureSession struct {
	id         string
	device     CaptureDevice
	provider   TranscriptionProvider
	sampleRate int
	frameSize  int
	locale     string
	metrics    *observability.Metrics
	queueLimit int

	mu        sync.Mutex
	state     CaptureState
	connState ConnState
	gen       uint64
	closed    bool
	fragments []string
	err       *reliability.Error

	// Resources of the current run, released by teardown in this order.
	conn   TranscriptionSession
	sub    Subscription
	stream CaptureStream
	cancel context.CancelFunc
	queue  *frameQueue
	active bool

	recordingAt  time.Time
	sawFragment  bool
	listeners    map[int]func(TranscriptUpdate)
	nextListener int
}

func NewCaptureSession(cfg CaptureSessionConfig) *CaptureSession {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultCaptureFrameSize
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = defaultFrameQueueLimit
	}
	return &CaptureSession{
		id:         cfg.ID,
		device:     cfg.Device,
		provider:   cfg.Provider,
		sampleRate: cfg.SampleRate,
		frameSize:  cfg.FrameSize,
		locale:     cfg.Locale,
		metrics:    cfg.Metrics,
		queueLimit: cfg.QueueLimit,
		state:      CaptureIdle,
		connState:  ConnClosed,
		listeners:  make(map[int]func(TranscriptUpdate)),
	}
}

func (s *CaptureSession) ID() string { return s.id }

func (s *CaptureSession) State() CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CaptureSession) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// Transcript returns the fragments received so far, concatenated in arrival
// order.
func (s *CaptureSession) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.fragments, "")
}

// Err returns the classified error of the last run, if it ended in error.
func (s *CaptureSession) Err() *reliability.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers fn for transcript and state updates. fn is called
// outside the session lock and must not block for long.
func (s *CaptureSession) Subscribe(fn func(TranscriptUpdate)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Start acquires the device, opens the transcription connection and begins
// streaming. It blocks until recording has begun or the run failed. A Stop
// issued while Start waits for permission makes Start return
// ErrStartCancelled and leaves the session idle.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != CaptureIdle && s.state != CaptureError {
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}
	if s.device == nil || s.provider == nil {
		s.mu.Unlock()
		return errors.New("capture session requires a device and a transcription provider")
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.fragments = nil
	s.err = nil
	s.sawFragment = false
	s.state = CaptureAwaitingPermission
	update := s.updateLocked("")
	s.mu.Unlock()
	s.publish(update)
	s.metrics.CaptureEvent("awaiting_permission")

	// The caller's ctx bounds the acquisition only; the run itself lives
	// until Stop, Close or a terminal error.
	acquireCtx, stopAcquire := context.WithCancel(runCtx)
	defer stopAcquire()
	unbind := context.AfterFunc(ctx, stopAcquire)
	defer unbind()

	stream, err := s.device.RequestAccess(acquireCtx, CaptureConfig{SampleRate: s.sampleRate, FrameSize: s.frameSize})
	if err != nil {
		if !s.isLive(gen) {
			return ErrStartCancelled
		}
		if ctx.Err() != nil {
			s.abortStart(gen)
			return ErrStartCancelled
		}
		return s.fail(gen, reliability.KindPermissionDenied, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		releaseLateStream(stream)
		return ErrStartCancelled
	}
	s.stream = stream
	s.connState = ConnConnecting
	s.mu.Unlock()

	connectStart := time.Now()
	conn, events, err := s.provider.StartSession(acquireCtx, s.id)
	if err != nil {
		if !s.isLive(gen) {
			return ErrStartCancelled
		}
		if ctx.Err() != nil {
			s.abortStart(gen)
			return ErrStartCancelled
		}
		return s.fail(gen, reliability.KindConnectionError, err)
	}
	s.metrics.ObserveStage(observability.StageCaptureConnect, time.Since(connectStart))

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if cerr := conn.Close(); cerr != nil {
			log.Printf("capture %s: close late connection: %v", s.id, cerr)
		}
		return ErrStartCancelled
	}
	s.conn = conn
	s.connState = ConnOpen
	queue := newFrameQueue(s.queueLimit)
	s.queue = queue
	s.mu.Unlock()

	sub, err := stream.Subscribe(func(frame audio.Frame) {
		s.enqueueFrame(gen, queue, frame)
	})
	if err != nil {
		return s.fail(gen, reliability.KindConnectionError, fmt.Errorf("connect processing graph: %w", err))
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if cerr := sub.Close(); cerr != nil {
			log.Printf("capture %s: close late subscription: %v", s.id, cerr)
		}
		return ErrStartCancelled
	}
	s.sub = sub
	s.state = CaptureRecording
	s.active = true
	s.recordingAt = time.Now()
	update = s.updateLocked("")
	s.mu.Unlock()

	s.metrics.CaptureEvent("recording")
	s.publish(update)

	go s.pump(runCtx, gen, conn, queue)
	go s.readEvents(gen, events)
	return nil
}

// Stop ends the current run. From recording or processing the session
// finishes; while awaiting permission the pending start is cancelled and the
// session returns to idle.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	var next CaptureState
	switch s.state {
	case CaptureAwaitingPermission:
		next = CaptureIdle
	case CaptureRecording, CaptureProcessing:
		next = CaptureFinished
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, state)
	}
	s.gen++
	s.state = next
	res := s.detachLocked()
	update := s.updateLocked("")
	s.mu.Unlock()

	err := s.release(res)
	s.metrics.CaptureEvent(string(next))
	s.publish(update)
	return err
}

// Close tears the session down from any state. It is idempotent.
func (s *CaptureSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	switch s.state {
	case CaptureAwaitingPermission:
		s.state = CaptureIdle
	case CaptureRecording, CaptureProcessing:
		s.state = CaptureFinished
	}
	res := s.detachLocked()
	s.listeners = make(map[int]func(TranscriptUpdate))
	s.mu.Unlock()

	return s.release(res)
}

func (s *CaptureSession) isLive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// abortStart returns a run whose caller gave up to idle.
func (s *CaptureSession) abortStart(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = CaptureIdle
	res := s.detachLocked()
	update := s.updateLocked("")
	s.mu.Unlock()

	if err := s.release(res); err != nil {
		log.Printf("capture %s: release after abandoned start: %v", s.id, err)
	}
	s.publish(update)
}

// fail moves a live run to error, tears it down and returns the classified
// error. The raw error is logged; subscribers only see the user message.
// Error is unreachable from processing: a failure after the turn completed
// finishes the run instead.
func (s *CaptureSession) fail(gen uint64, kind reliability.Kind, cause error) error {
	classified := reliability.NewError(kind, cause.Error(), cause)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return classified
	}
	if s.state == CaptureProcessing {
		s.mu.Unlock()
		log.Printf("capture %s: %s after turn complete: %v", s.id, kind, cause)
		s.finish(gen)
		return classified
	}
	s.gen++
	s.state = CaptureError
	s.err = classified
	res := s.detachLocked()
	update := s.updateLocked("")
	s.mu.Unlock()

	log.Printf("capture %s: %s: %v", s.id, kind, cause)
	if err := s.release(res); err != nil {
		log.Printf("capture %s: release after error: %v", s.id, err)
	}
	s.metrics.CaptureEvent("error")
	s.metrics.ProviderError("capture", string(kind))
	s.publish(update)
	return classified
}

func (s *CaptureSession) enqueueFrame(gen uint64, queue *frameQueue, frame audio.Frame) {
	s.mu.Lock()
	ok := gen == s.gen && s.state == CaptureRecording
	s.mu.Unlock()
	if !ok {
		return
	}
	if !queue.push(append(audio.Frame(nil), frame...)) {
		log.Printf("capture %s: frame queue full, dropping frame", s.id)
	}
}

// pump is the only sender on conn, so frames leave in capture order with at
// most one send in flight.
func (s *CaptureSession) pump(ctx context.Context, gen uint64, conn TranscriptionSession, queue *frameQueue) {
	for {
		frame, ok := queue.pop(ctx)
		if !ok || !s.isLive(gen) {
			return
		}
		chunk := audio.Encode(frame, s.sampleRate)
		if err := conn.SendAudio(ctx, chunk); err != nil {
			if ctx.Err() != nil || !s.isLive(gen) {
				return
			}
			_ = s.fail(gen, reliability.KindConnectionError, fmt.Errorf("send audio: %w", err))
			return
		}
	}
}

func (s *CaptureSession) readEvents(gen uint64, events <-chan TranscriptEvent) {
	for ev := range events {
		switch ev.Type {
		case TranscriptEventFragment:
			s.appendFragment(gen, ev.Text)
		case TranscriptEventTurnComplete:
			s.markProcessing(gen)
		case TranscriptEventError:
			detail := strings.TrimSpace(ev.Code + " " + ev.Detail)
			s.remoteFailed(gen, fmt.Errorf("transcription error: %s", detail))
		}
	}
	s.remoteFailed(gen, errors.New("transcription connection closed"))
}

func (s *CaptureSession) appendFragment(gen uint64, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if gen != s.gen || (s.state != CaptureRecording && s.state != CaptureProcessing) {
		s.mu.Unlock()
		return
	}
	s.fragments = append(s.fragments, text)
	first := !s.sawFragment
	s.sawFragment = true
	since := time.Since(s.recordingAt)
	update := s.updateLocked(text)
	s.mu.Unlock()

	if first {
		s.metrics.ObserveStage(observability.StageCaptureFirstFragment, since)
	}
	s.publish(update)
}

func (s *CaptureSession) markProcessing(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != CaptureRecording {
		s.mu.Unlock()
		return
	}
	s.state = CaptureProcessing
	update := s.updateLocked("")
	s.mu.Unlock()

	s.metrics.CaptureEvent("processing")
	s.publish(update)
}

// remoteFailed handles a remote error or close. While recording it is a
// connection error; once the turn is complete the run simply finishes.
func (s *CaptureSession) remoteFailed(gen uint64, cause error) {
	s.mu.Lock()
	live := gen == s.gen
	state := s.state
	s.mu.Unlock()
	if !live {
		return
	}
	switch state {
	case CaptureRecording:
		_ = s.fail(gen, reliability.KindConnectionError, cause)
	case CaptureProcessing:
		log.Printf("capture %s: remote ended after turn complete: %v", s.id, cause)
		s.finish(gen)
	}
}

func (s *CaptureSession) finish(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = CaptureFinished
	res := s.detachLocked()
	update := s.updateLocked("")
	s.mu.Unlock()

	if err := s.release(res); err != nil {
		log.Printf("capture %s: release after finish: %v", s.id, err)
	}
	s.metrics.CaptureEvent("finished")
	s.publish(update)
}

type runResources struct {
	conn   TranscriptionSession
	sub    Subscription
	stream CaptureStream
	cancel context.CancelFunc
	queue  *frameQueue
	active bool
}

// detachLocked hands the run's resources to the caller so each one is
// released exactly once, outside the lock.
func (s *CaptureSession) detachLocked() runResources {
	res := runResources{
		conn:   s.conn,
		sub:    s.sub,
		stream: s.stream,
		cancel: s.cancel,
		queue:  s.queue,
		active: s.active,
	}
	s.conn, s.sub, s.stream, s.cancel, s.queue = nil, nil, nil, nil, nil
	s.active = false
	s.connState = ConnClosed
	return res
}

// release closes the connection, the processing graph, the device tracks
// and the audio context, in that order. Every step runs even if an earlier
// one fails.
func (s *CaptureSession) release(res runResources) error {
	if res.cancel != nil {
		res.cancel()
	}
	if res.queue != nil {
		res.queue.close()
	}

	var errs []error
	if res.conn != nil {
		if err := res.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transcription connection: %w", err))
		}
	}
	if res.sub != nil {
		if err := res.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect processing graph: %w", err))
		}
	}
	if res.stream != nil {
		if err := res.stream.StopTracks(); err != nil {
			errs = append(errs, fmt.Errorf("stop tracks: %w", err))
		}
		if err := res.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audio context: %w", err))
		}
	}
	if res.active {
		s.metrics.CaptureEvent("released")
	}
	return errors.Join(errs...)
}

func releaseLateStream(stream CaptureStream) {
	if err := errors.Join(stream.StopTracks(), stream.Close()); err != nil {
		log.Printf("capture: release late stream: %v", err)
	}
}

func (s *CaptureSession) updateLocked(fragment string) TranscriptUpdate {
	u := TranscriptUpdate{
		SessionID:  s.id,
		Fragment:   fragment,
		Transcript: strings.Join(s.fragments, ""),
		State:      s.state,
	}
	if s.state == CaptureError && s.err != nil {
		u.Kind = s.err.Kind
		u.Message = s.err.UserMessage(s.locale)
	}
	return u
}

func (s *CaptureSession) publish(update TranscriptUpdate) {
	s.mu.Lock()
	fns := make([]func(TranscriptUpdate), 0, len(s.listeners))
	for id := 0; id < s.nextListener; id++ {
		if fn, ok := s.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

// frameQueue is the FIFO between the device callback and the pump.
type frameQueue struct {
	mu     sync.Mutex
	items  []audio.Frame
	limit  int
	closed bool
	signal chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit, signal: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame audio.Frame) bool {
	q.mu.Lock()
	if q.closed || len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *frameQueue) pop(ctx context.Context) (audio.Frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			frame := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return frame, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
