package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/voice"
)

var errAlreadySubscribed = errors.New("capture stream already has a subscriber")

// MalgoCapture opens the default microphone through miniaudio.
type MalgoCapture struct{}

func NewMalgoCapture() *MalgoCapture { return &MalgoCapture{} }

// RequestAccess initializes an audio context and starts a mono float32
// capture device. Any failure to open the device is reported as
// voice.ErrPermissionDenied.
func (m *MalgoCapture) RequestAccess(ctx context.Context, cfg voice.CaptureConfig) (voice.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", voice.ErrPermissionDenied, err)
	}
	s := &malgoCaptureStream{ctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(rate)
	deviceConfig.Alsa.NoMMap = 1
	if cfg.FrameSize > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(cfg.FrameSize)
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, framecount uint32) {
			s.deliver(input, int(framecount))
		},
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("%w: init capture device: %v", voice.ErrPermissionDenied, err)
	}
	s.device = dev
	if err := dev.Start(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: start capture device: %v", voice.ErrPermissionDenied, err)
	}

	// The caller may have given up while the device was opening.
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type malgoCaptureStream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	handler atomic.Pointer[func(audio.Frame)]

	tracksOnce sync.Once
	closeOnce  sync.Once
}

func (s *malgoCaptureStream) deliver(input []byte, framecount int) {
	fn := s.handler.Load()
	if fn == nil {
		return
	}
	frame := decodeFloat32(input, framecount)
	if len(frame) == 0 {
		return
	}
	(*fn)(frame)
}

func (s *malgoCaptureStream) Subscribe(fn func(audio.Frame)) (voice.Subscription, error) {
	if fn == nil {
		return nil, errors.New("nil frame handler")
	}
	if !s.handler.CompareAndSwap(nil, &fn) {
		return nil, errAlreadySubscribed
	}
	return &captureSubscription{stream: s, fn: &fn}, nil
}

func (s *malgoCaptureStream) StopTracks() error {
	var err error
	s.tracksOnce.Do(func() {
		if s.device == nil {
			return
		}
		if s.device.IsStarted() {
			err = s.device.Stop()
		}
		s.device.Uninit()
	})
	if err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

func (s *malgoCaptureStream) Close() error {
	err := s.StopTracks()
	s.closeOnce.Do(func() {
		s.freeContext()
	})
	return err
}

func (s *malgoCaptureStream) freeContext() {
	if s.ctx == nil {
		return
	}
	if err := s.ctx.Uninit(); err != nil {
		log.Printf("capture: uninit audio context: %v", err)
	}
	s.ctx.Free()
}

type captureSubscription struct {
	stream *malgoCaptureStream
	fn     *func(audio.Frame)
}

func (c *captureSubscription) Close() error {
	c.stream.handler.CompareAndSwap(c.fn, nil)
	return nil
}

// decodeFloat32 copies little-endian float32 samples out of a device buffer.
// The device reuses its buffer, so the frame never aliases it.
func decodeFloat32(data []byte, framecount int) audio.Frame {
	n := len(data) / 4
	if framecount > 0 && framecount < n {
		n = framecount
	}
	out := make(audio.Frame, n)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func encodeFloat32(dst []byte, samples []float32) {
	for i, s := range samples {
		bits := math.Float32bits(s)
		dst[i*4] = byte(bits)
		dst[i*4+1] = byte(bits >> 8)
		dst[i*4+2] = byte(bits >> 16)
		dst[i*4+3] = byte(bits >> 24)
	}
}
