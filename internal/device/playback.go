package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/voice"
)

var (
	ErrPlaybackSuspended = errors.New("playback device is suspended")
	ErrPlaybackClosed    = errors.New("playback device is closed")
)

// MalgoPlayback plays decoded speech on the default output device. Like a
// browser audio context it starts suspended; Resume opens the device.
type MalgoPlayback struct {
	sampleRate int

	mu     sync.Mutex
	state  voice.PlaybackState
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	mixer  *mixer
}

func NewMalgoPlayback(sampleRate int) *MalgoPlayback {
	if sampleRate <= 0 {
		sampleRate = audio.SpeechSampleRate
	}
	return &MalgoPlayback{
		sampleRate: sampleRate,
		state:      voice.PlaybackSuspended,
		mixer:      newMixer(),
	}
}

func (p *MalgoPlayback) State() voice.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *MalgoPlayback) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case voice.PlaybackRunning:
		return nil
	case voice.PlaybackClosed:
		return ErrPlaybackClosed
	}

	if p.ctx == nil {
		mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("init audio context: %w", err)
		}
		p.ctx = mctx
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(p.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	mix := p.mixer
	dev, err := malgo.InitDevice(p.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, framecount uint32) {
			mix.render(output, int(framecount))
		},
	})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("start playback device: %w", err)
	}
	p.device = dev
	p.state = voice.PlaybackRunning
	return nil
}

// Play replaces whatever is playing with buf.
func (p *MalgoPlayback) Play(buf audio.Buffer, onEnded func()) (voice.PlaybackSource, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case voice.PlaybackSuspended:
		return nil, ErrPlaybackSuspended
	case voice.PlaybackClosed:
		return nil, ErrPlaybackClosed
	}
	samples := resampleLinear(mono(buf), buf.SampleRate, p.sampleRate)
	return p.mixer.start(samples, onEnded), nil
}

// Close stops the device and frees the audio context. It is idempotent.
func (p *MalgoPlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == voice.PlaybackClosed {
		return nil
	}
	p.state = voice.PlaybackClosed
	p.mixer.stopAll()

	var errs []error
	if p.device != nil {
		if p.device.IsStarted() {
			if err := p.device.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playback device: %w", err))
			}
		}
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		if err := p.ctx.Uninit(); err != nil {
			errs = append(errs, fmt.Errorf("uninit audio context: %w", err))
		}
		p.ctx.Free()
		p.ctx = nil
	}
	return errors.Join(errs...)
}

// mixer feeds at most one source to the device callback.
type mixer struct {
	mu      sync.Mutex
	current *source
}

func newMixer() *mixer { return &mixer{} }

type source struct {
	mixer   *mixer
	samples []float32
	pos     int
	onEnded func()
	done    bool
}

func (m *mixer) start(samples []float32, onEnded func()) *source {
	src := &source{mixer: m, samples: samples, onEnded: onEnded}
	m.mu.Lock()
	if prev := m.current; prev != nil {
		prev.done = true
	}
	m.current = src
	empty := len(samples) == 0
	if empty {
		src.done = true
		m.current = nil
	}
	m.mu.Unlock()
	if empty && onEnded != nil {
		go onEnded()
	}
	return src
}

// render writes framecount mono float32 samples into output, padding with
// silence. It runs on the device thread and never calls back inline.
func (m *mixer) render(output []byte, framecount int) {
	if limit := len(output) / 4; framecount > limit {
		framecount = limit
	}
	out := make([]float32, framecount)

	var ended func()
	m.mu.Lock()
	if src := m.current; src != nil {
		n := copy(out, src.samples[src.pos:])
		src.pos += n
		if src.pos >= len(src.samples) {
			src.done = true
			m.current = nil
			ended = src.onEnded
		}
	}
	m.mu.Unlock()

	encodeFloat32(output, out)
	if ended != nil {
		go ended()
	}
}

func (m *mixer) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.done = true
		m.current = nil
	}
}

// Stop silences the source without firing its end callback.
func (s *source) Stop() error {
	m := s.mixer
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if m.current == s {
		m.current = nil
	}
	return nil
}

func mono(buf audio.Buffer) []float32 {
	switch len(buf.Samples) {
	case 0:
		return nil
	case 1:
		return buf.Samples[0]
	}
	n := buf.Len()
	out := make([]float32, n)
	for _, ch := range buf.Samples {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i]
		}
	}
	scale := 1 / float32(len(buf.Samples))
	for i := range out {
		out[i] *= scale
	}
	return out
}

func resampleLinear(in []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
