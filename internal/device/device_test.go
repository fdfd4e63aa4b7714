package device

import (
	"testing"
	"time"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/voice"
)

func TestFloat32RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.25, 1}
	raw := make([]byte, len(samples)*4)
	encodeFloat32(raw, samples)

	got := decodeFloat32(raw, len(samples))
	if len(got) != len(samples) {
		t.Fatalf("decodeFloat32() len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}

	raw[0] = 0xff
	if got[0] != 0 {
		t.Fatalf("decoded frame aliases the device buffer")
	}
}

func TestMixerRendersAndFiresEndOnce(t *testing.T) {
	m := newMixer()
	ended := make(chan struct{}, 2)
	m.start([]float32{0.1, 0.2, 0.3}, func() { ended <- struct{}{} })

	out := make([]byte, 2*4)
	m.render(out, 2)
	if got := decodeFloat32(out, 2); got[0] != 0.1 || got[1] != 0.2 {
		t.Fatalf("first render = %v", got)
	}
	select {
	case <-ended:
		t.Fatalf("onEnded fired before the buffer finished")
	case <-time.After(20 * time.Millisecond):
	}

	m.render(out, 2)
	if got := decodeFloat32(out, 2); got[0] != 0.3 || got[1] != 0 {
		t.Fatalf("second render = %v, want [0.3 0]", got)
	}
	m.render(out, 2)

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("onEnded did not fire")
	}
	select {
	case <-ended:
		t.Fatalf("onEnded fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStoppedSourceNeverEnds(t *testing.T) {
	m := newMixer()
	ended := make(chan struct{}, 1)
	src := m.start([]float32{0.1, 0.2}, func() { ended <- struct{}{} })
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	out := make([]byte, 4*4)
	m.render(out, 4)
	if got := decodeFloat32(out, 4); got[0] != 0 {
		t.Fatalf("stopped source still rendered: %v", got)
	}
	select {
	case <-ended:
		t.Fatalf("onEnded fired for a stopped source")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStartReplacesCurrentSource(t *testing.T) {
	m := newMixer()
	first := m.start([]float32{0.9, 0.9}, nil)
	m.start([]float32{0.1}, nil)

	out := make([]byte, 4)
	m.render(out, 1)
	if got := decodeFloat32(out, 1); got[0] != 0.1 {
		t.Fatalf("render = %v, want replacement source", got)
	}
	if !first.done {
		t.Fatalf("replaced source not marked done")
	}
}

func TestMonoAndResample(t *testing.T) {
	buf := audio.Buffer{SampleRate: 8000, Channels: 2, Samples: [][]float32{{1, 0}, {0, 1}}}
	if got := mono(buf); got[0] != 0.5 || got[1] != 0.5 {
		t.Fatalf("mono() = %v", got)
	}

	up := resampleLinear([]float32{0, 1}, 1, 2)
	if len(up) != 4 || up[1] != 0.5 {
		t.Fatalf("resampleLinear() = %v", up)
	}
	same := []float32{1, 2}
	if got := resampleLinear(same, 24000, 24000); &got[0] != &same[0] {
		t.Fatalf("resampleLinear() copied at equal rates")
	}
}

func TestPlaybackStartsSuspended(t *testing.T) {
	p := NewMalgoPlayback(0)
	if p.State() != voice.PlaybackSuspended {
		t.Fatalf("State() = %s, want suspended", p.State())
	}
	if _, err := p.Play(audio.Buffer{}, nil); err != ErrPlaybackSuspended {
		t.Fatalf("Play() error = %v, want ErrPlaybackSuspended", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if p.State() != voice.PlaybackClosed {
		t.Fatalf("State() = %s, want closed", p.State())
	}
	if _, err := p.Play(audio.Buffer{}, nil); err != ErrPlaybackClosed {
		t.Fatalf("Play() after Close error = %v", err)
	}
}

var (
	_ voice.CaptureDevice  = (*MalgoCapture)(nil)
	_ voice.PlaybackDevice = (*MalgoPlayback)(nil)
)
