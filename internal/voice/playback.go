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

type PlaybackPhase string

const (
	PlaybackIdle    PlaybackPhase = "idle"
	PlaybackLoading PlaybackPhase = "loading"
	PlaybackPlaying PlaybackPhase = "playing"
)

var ErrControllerClosed = errors.New("playback controller closed")

type PlaybackStatus struct {
	State PlaybackPhase
	ID    string
}

// Notifier shows a short localized notice to the user.
type Notifier interface {
	Notify(id string, kind reliability.Kind, message string)
}

type NotifierFunc func(id string, kind reliability.Kind, message string)

func (f NotifierFunc) Notify(id string, kind reliability.Kind, message string) { f(id, kind, message) }

type PlaybackControllerConfig struct {
	Synthesizer SpeechSynthesizer
	Device      PlaybackDevice
	VoiceID     string
	Locale      string
	Notifier    Notifier
	Metrics     *observability.Metrics
	// OnChange observes every status transition.
	OnChange func(PlaybackStatus)
}

// PlaybackController reads items aloud one at a time. Toggling the item that
// is loading or playing stops it; toggling another item replaces it. At most
// one playback handle is ever active.
type PlaybackController struct {
	synth    SpeechSynthesizer
	device   PlaybackDevice
	voiceID  string
	locale   string
	notifier Notifier
	metrics  *observability.Metrics
	onChange func(PlaybackStatus)

	mu     sync.Mutex
	phase  PlaybackPhase
	id     string
	gen    uint64
	source PlaybackSource
	cancel context.CancelFunc
	closed bool
}

func NewPlaybackController(cfg PlaybackControllerConfig) *PlaybackController {
	return &PlaybackController{
		synth:    cfg.Synthesizer,
		device:   cfg.Device,
		voiceID:  strings.TrimSpace(cfg.VoiceID),
		locale:   cfg.Locale,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		onChange: cfg.OnChange,
		phase:    PlaybackIdle,
	}
}

func (c *PlaybackController) Status() PlaybackStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PlaybackStatus{State: c.phase, ID: c.id}
}

// Toggle starts reading text aloud as item id, or stops it if id is the
// current item. Synthesis and playback continue in the background.
func (c *PlaybackController) Toggle(ctx context.Context, id, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.phase != PlaybackIdle && c.id == id {
		c.gen++
		handle := c.detachLocked()
		status := c.statusLocked()
		c.mu.Unlock()

		c.releaseHandle(handle)
		c.metrics.PlaybackEvent("toggled_off")
		c.emit(status)
		return nil
	}

	handle := c.detachLocked()
	c.gen++
	gen := c.gen
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.phase = PlaybackLoading
	c.id = id
	status := c.statusLocked()
	c.mu.Unlock()

	c.releaseHandle(handle)
	c.metrics.PlaybackEvent("loading")
	c.emit(status)

	go c.load(loadCtx, gen, id, text)
	return nil
}

// Stop stops and releases the active item, if any.
func (c *PlaybackController) Stop() error {
	c.mu.Lock()
	if c.phase == PlaybackIdle {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	handle := c.detachLocked()
	status := c.statusLocked()
	c.mu.Unlock()

	err := c.releaseHandle(handle)
	c.metrics.PlaybackEvent("stopped")
	c.emit(status)
	return err
}

// Close stops playback and rejects further toggles. It is idempotent.
func (c *PlaybackController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	handle := c.detachLocked()
	c.mu.Unlock()
	return c.releaseHandle(handle)
}

func (c *PlaybackController) load(ctx context.Context, gen uint64, id, text string) {
	start := time.Now()
	if c.device.State() == PlaybackSuspended {
		if err := c.device.Resume(ctx); err != nil {
			c.fail(gen, id, reliability.KindRequestFailed, fmt.Errorf("resume playback device: %w", err))
			return
		}
	}

	speech, err := c.synth.Synthesize(ctx, text, c.voiceID)
	if !c.isLive(gen) {
		return
	}
	if err != nil {
		kind := reliability.KindRequestFailed
		if reliability.KindOf(err) == reliability.KindNoAudioPayload {
			kind = reliability.KindNoAudioPayload
		}
		c.fail(gen, id, kind, err)
		return
	}
	if len(speech.Data) == 0 {
		c.fail(gen, id, reliability.KindNoAudioPayload, errors.New("synthesizer returned no audio"))
		return
	}
	rate := speech.SampleRate
	if rate <= 0 {
		rate = audio.SpeechSampleRate
	}
	buf, err := audio.Decode(speech.Data, rate, 1)
	if err != nil {
		c.fail(gen, id, reliability.KindNoAudioPayload, err)
		return
	}
	c.metrics.ObserveStage(observability.StageSpeechSynthesis, time.Since(start))

	// Play runs under c.mu so the liveness check, the device call and the
	// handle assignment are one step relative to Toggle, Stop and ended.
	// Devices must not invoke onEnded synchronously from Play.
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	src, err := c.device.Play(buf, func() { c.ended(gen) })
	if err != nil {
		c.mu.Unlock()
		c.fail(gen, id, reliability.KindRequestFailed, fmt.Errorf("start playback: %w", err))
		return
	}
	c.source = src
	c.phase = PlaybackPlaying
	status := c.statusLocked()
	c.mu.Unlock()

	c.metrics.PlaybackEvent("playing")
	c.emit(status)
}

func (c *PlaybackController) ended(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	// The source finished on its own; nothing to stop.
	c.source = nil
	handle := c.detachLocked()
	status := c.statusLocked()
	c.mu.Unlock()

	c.releaseHandle(handle)
	c.metrics.PlaybackEvent("ended")
	c.emit(status)
}

func (c *PlaybackController) fail(gen uint64, id string, kind reliability.Kind, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	handle := c.detachLocked()
	status := c.statusLocked()
	c.mu.Unlock()

	c.releaseHandle(handle)
	log.Printf("playback %s: %s: %v", id, kind, cause)
	c.metrics.PlaybackEvent("failed")
	c.metrics.ProviderError("speech", string(kind))
	if c.notifier != nil {
		c.notifier.Notify(id, kind, reliability.UserMessage(kind, c.locale))
	}
	c.emit(status)
}

func (c *PlaybackController) isLive(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

type playbackHandle struct {
	source PlaybackSource
	cancel context.CancelFunc
}

// detachLocked resets to idle and hands the active handle to the caller.
func (c *PlaybackController) detachLocked() playbackHandle {
	h := playbackHandle{source: c.source, cancel: c.cancel}
	c.source = nil
	c.cancel = nil
	c.phase = PlaybackIdle
	c.id = ""
	return h
}

func (c *PlaybackController) releaseHandle(h playbackHandle) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.source != nil {
		if err := h.source.Stop(); err != nil {
			return fmt.Errorf("stop playback source: %w", err)
		}
	}
	return nil
}

func (c *PlaybackController) statusLocked() PlaybackStatus {
	return PlaybackStatus{State: c.phase, ID: c.id}
}

func (c *PlaybackController) emit(status PlaybackStatus) {
	if c.onChange != nil {
		c.onChange(status)
	}
}
