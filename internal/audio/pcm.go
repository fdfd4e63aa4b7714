package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate is the rate microphone frames are encoded at for transcription.
	CaptureSampleRate = 16000
	// SpeechSampleRate is the rate synthesized speech is delivered at.
	SpeechSampleRate = 24000
)

var ErrIncompleteFrame = errors.New("pcm payload does not contain whole frames")

// Frame is one device callback worth of mono samples in [-1, 1].
type Frame []float32

// EncodedChunk is a PCM16 little-endian rendition of a Frame, ready for the wire.
type EncodedChunk struct {
	Data       []byte
	SampleRate int
	MIMEType   string
}

func (c EncodedChunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// Buffer is decoded, playable audio with planar channel data.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    [][]float32
}

// Len returns the number of frames per channel.
func (b Buffer) Len() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Duration returns the playback duration in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Len()) / float64(b.SampleRate)
}

func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Encode clamps each sample to [-1, 1], scales it to the signed 16-bit range
// and serializes it little-endian. The output has exactly 2 bytes per sample.
func Encode(frame Frame, sampleRate int) EncodedChunk {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return EncodedChunk{
		Data:       out,
		SampleRate: sampleRate,
		MIMEType:   PCMMIMEType(sampleRate),
	}
}

func quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	q := math.Round(v * 32768)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	} else if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// Decode converts interleaved PCM16 little-endian bytes back into planar float
// samples in [-1, 1).
func Decode(data []byte, sampleRate, channels int) (Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes for %d channel(s)", ErrIncompleteFrame, len(data), channels)
	}
	frames := len(data) / frameBytes
	samples := make([][]float32, channels)
	for ch := range samples {
		samples[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			samples[ch][i] = float32(v) / 32768
		}
	}
	return Buffer{SampleRate: sampleRate, Channels: channels, Samples: samples}, nil
}

// DecodeBase64 decodes a base64 PCM16 payload as delivered by speech endpoints.
func DecodeBase64(payload string, sampleRate, channels int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, fmt.Errorf("decode base64 audio: %w", err)
	}
	return Decode(raw, sampleRate, channels)
}
