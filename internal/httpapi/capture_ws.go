package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/protocol"
	"github.com/antoniostano/examprep/internal/session"
	"github.com/antoniostano/examprep/internal/voice"
)

const (
	wsReadTimeout    = 120 * time.Second
	wsWriteTimeout   = 10 * time.Second
	publishTimeout   = 2 * time.Second
	outboundCapacity = 256
)

var errSampleRateMismatch = errors.New("frame sample rate does not match the capture rate")

// handleCaptureWS bridges a websocket client to a CaptureSession. The client
// is the microphone: it grants access with a start control and streams
// client_audio_frame messages while recording.
func (s *Server) handleCaptureWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.transcription == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcription not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, outboundCapacity)
	bridge := newCaptureBridge(s, sess, func(msg any) {
		select {
		case outbound <- msg:
		default:
			s.metrics.ObserveWSMessage("outbound_dropped", string(messageTypeOf(msg)))
		}
	})

	detach, err := s.sessions.Attach(sessionID, func() {
		// Ended or expired from outside: drop the connection.
		cancel()
		_ = conn.Close()
	})
	if err != nil {
		log.Printf("capture ws %s: attach: %v", sessionID, err)
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      codeSessionUnavailable,
			Message:   clientErrorMessages[codeSessionUnavailable],
		})
		return
	}
	defer detach()
	s.metrics.CaptureEvent("ws_connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				t := messageTypeOf(msg)
				s.metrics.ObserveWSMessage("outbound", string(t))
				if t == protocol.TypeCaptureState || t == protocol.TypeTranscriptDelta {
					s.publish(ctx, sessionID, msg)
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			bridge.sendError(codeInvalidClientMessage, err)
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(messageTypeOf(parsed)))
		_ = s.sessions.Touch(sessionID)
		bridge.handle(ctx, parsed)
	}

	if err := bridge.close(); err != nil {
		log.Printf("capture ws %s: teardown: %v", sessionID, err)
	}
	cancel()
	<-writerDone
	s.metrics.CaptureEvent("ws_disconnected")
}

func (s *Server) publish(ctx context.Context, sessionID string, msg any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, sessionID, msg); err != nil {
		log.Printf("capture ws %s: publish: %v", sessionID, err)
	}
}

// captureBridge owns the CaptureSession of one websocket connection. A new
// CaptureSession replaces a finished one when the client starts again.
type captureBridge struct {
	srv       *Server
	sessionID string
	locale    string
	device    *wsCaptureDevice
	send      func(any)
	seq       protocol.SeqTracker

	mu          sync.Mutex
	capture     *voice.CaptureSession
	unsubscribe func()
}

func newCaptureBridge(s *Server, sess *session.Session, send func(any)) *captureBridge {
	locale := sess.Locale
	if locale == "" {
		locale = s.cfg.Locale
	}
	return &captureBridge{
		srv:       s,
		sessionID: sess.ID,
		locale:    locale,
		device:    newWSCaptureDevice(),
		send:      send,
	}
}

func (b *captureBridge) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.ClientControl:
		if m.SessionID != b.sessionID {
			b.sendError(codeSessionMismatch, nil)
			return
		}
		switch m.Action {
		case protocol.ActionStart:
			b.start(ctx, m.Locale)
		case protocol.ActionStop:
			b.stop()
		}
	case protocol.ClientAudioFrame:
		if m.SessionID != b.sessionID {
			b.sendError(codeSessionMismatch, nil)
			return
		}
		if !b.seq.Accept(m.Seq) {
			b.srv.metrics.ObserveWSMessage("inbound_dropped", string(m.Type))
			return
		}
		buf, err := audio.DecodeBase64(m.PCM16Base64, m.SampleRate, 1)
		if err != nil {
			b.sendError(codeInvalidAudioFrame, err)
			return
		}
		if len(buf.Samples) == 0 {
			return
		}
		if err := b.device.deliver(buf.Samples[0], buf.SampleRate); err != nil {
			b.sendError(codeInvalidAudioFrame, err)
		}
	}
}

// start runs a capture. locale, when set, applies to the next CaptureSession
// the bridge creates.
func (b *captureBridge) start(ctx context.Context, locale string) {
	b.mu.Lock()
	if locale = strings.TrimSpace(locale); locale != "" {
		b.locale = locale
	}
	if b.capture != nil && b.capture.State() == voice.CaptureFinished {
		b.retireLocked()
	}
	if b.capture == nil {
		b.capture = voice.NewCaptureSession(voice.CaptureSessionConfig{
			ID:       b.sessionID,
			Device:   b.device,
			Provider: b.srv.transcription,
			Locale:   b.locale,
			Metrics:  b.srv.metrics,
		})
		b.unsubscribe = b.capture.Subscribe(b.forward)
	}
	capture := b.capture
	b.mu.Unlock()

	b.seq.Reset()
	go func() {
		err := capture.Start(ctx)
		switch {
		case err == nil, errors.Is(err, voice.ErrStartCancelled), errors.Is(err, voice.ErrSessionClosed):
		case errors.Is(err, voice.ErrInvalidTransition):
			b.sendError(codeInvalidTransition, err)
		default:
			// Classified failures already reached the client as error_event.
			log.Printf("capture ws %s: start: %v", b.sessionID, err)
		}
	}()
}

func (b *captureBridge) stop() {
	b.mu.Lock()
	capture := b.capture
	b.mu.Unlock()
	if capture == nil {
		b.sendError(codeInvalidTransition, errors.New("capture has not started"))
		return
	}
	if err := capture.Stop(); err != nil {
		if errors.Is(err, voice.ErrInvalidTransition) {
			b.sendError(codeInvalidTransition, err)
			return
		}
		log.Printf("capture ws %s: stop: %v", b.sessionID, err)
	}
}

func (b *captureBridge) close() error {
	b.device.close()
	b.mu.Lock()
	capture, unsubscribe := b.capture, b.unsubscribe
	b.capture, b.unsubscribe = nil, nil
	b.mu.Unlock()
	if capture == nil {
		return nil
	}
	unsubscribe()
	return capture.Close()
}

func (b *captureBridge) retireLocked() {
	b.unsubscribe()
	if err := b.capture.Close(); err != nil {
		log.Printf("capture ws %s: close finished session: %v", b.sessionID, err)
	}
	b.capture, b.unsubscribe = nil, nil
}

// forward turns a session update into outbound messages.
func (b *captureBridge) forward(u voice.TranscriptUpdate) {
	if u.Fragment != "" {
		b.send(protocol.TranscriptDelta{
			Type:       protocol.TypeTranscriptDelta,
			SessionID:  u.SessionID,
			Fragment:   u.Fragment,
			Transcript: u.Transcript,
			TSMs:       time.Now().UnixMilli(),
		})
		return
	}
	state := protocol.CaptureState{
		Type:      protocol.TypeCaptureState,
		SessionID: u.SessionID,
		State:     string(u.State),
	}
	b.mu.Lock()
	if b.capture != nil {
		state.ConnState = string(b.capture.ConnState())
	}
	b.mu.Unlock()
	b.send(state)
	if u.Kind != "" {
		b.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: u.SessionID,
			Code:      string(u.Kind),
			Message:   u.Message,
			Retryable: u.Kind.Retryable(),
		})
	}
}

const (
	codeSessionUnavailable   = "session_unavailable"
	codeSessionMismatch      = "session_mismatch"
	codeInvalidClientMessage = "invalid_client_message"
	codeInvalidAudioFrame    = "invalid_audio_frame"
	codeInvalidTransition    = "invalid_transition"
)

// clientErrorMessages are the fixed texts sent for bridge-level errors; the
// underlying cause is only logged.
var clientErrorMessages = map[string]string{
	codeSessionUnavailable:   "This capture session is no longer available.",
	codeSessionMismatch:      "The message belongs to a different session.",
	codeInvalidClientMessage: "The message could not be read.",
	codeInvalidAudioFrame:    "The audio frame could not be used.",
	codeInvalidTransition:    "Capture cannot do that right now.",
}

func (b *captureBridge) sendError(code string, cause error) {
	if cause != nil {
		log.Printf("capture ws %s: %s: %v", b.sessionID, code, cause)
	}
	b.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: b.sessionID,
		Code:      code,
		Message:   clientErrorMessages[code],
	})
}

// wsCaptureDevice is a capture device fed by websocket frames. Access is
// granted as soon as it is requested: the client asked for it by sending
// start.
type wsCaptureDevice struct {
	mu      sync.Mutex
	current *wsCaptureStream
	closed  bool
}

func newWSCaptureDevice() *wsCaptureDevice { return &wsCaptureDevice{} }

func (d *wsCaptureDevice) RequestAccess(ctx context.Context, cfg voice.CaptureConfig) (voice.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: capture connection closed", voice.ErrPermissionDenied)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	st := &wsCaptureStream{device: d, sampleRate: rate}
	d.current = st
	return st, nil
}

// deliver hands one frame to the active subscriber on the caller's
// goroutine. Frames with no subscriber are dropped.
func (d *wsCaptureDevice) deliver(frame audio.Frame, sampleRate int) error {
	d.mu.Lock()
	st := d.current
	if st == nil || st.handler == nil || st.stopped {
		d.mu.Unlock()
		return nil
	}
	if sampleRate != st.sampleRate {
		d.mu.Unlock()
		return fmt.Errorf("%w: got %d, want %d", errSampleRateMismatch, sampleRate, st.sampleRate)
	}
	fn := st.handler
	d.mu.Unlock()
	fn(frame)
	return nil
}

func (d *wsCaptureDevice) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.current = nil
}

type wsCaptureStream struct {
	device     *wsCaptureDevice
	sampleRate int

	// guarded by device.mu
	handler func(audio.Frame)
	stopped bool
}

func (s *wsCaptureStream) Subscribe(fn func(audio.Frame)) (voice.Subscription, error) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.stopped {
		return nil, errors.New("capture stream stopped")
	}
	if s.handler != nil {
		return nil, errors.New("capture stream already has a subscriber")
	}
	s.handler = fn
	return wsSubscription{stream: s}, nil
}

func (s *wsCaptureStream) StopTracks() error {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	s.stopped = true
	if d.current == s {
		d.current = nil
	}
	return nil
}

func (s *wsCaptureStream) Close() error { return nil }

type wsSubscription struct {
	stream *wsCaptureStream
}

func (w wsSubscription) Close() error {
	d := w.stream.device
	d.mu.Lock()
	defer d.mu.Unlock()
	w.stream.handler = nil
	return nil
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientAudioFrame:
		return m.Type
	case protocol.ClientControl:
		return m.Type
	case protocol.CaptureState:
		return m.Type
	case protocol.TranscriptDelta:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
