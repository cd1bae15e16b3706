package media

import (
	"fmt"
	"time"
)

// WaveFormat describes interleaved little-endian PCM.
type WaveFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM16kMono is the fixed format of audio exchanged with the external process.
var PCM16kMono = WaveFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// BlockAlign is the size in bytes of one sample across all channels.
func (w WaveFormat) BlockAlign() int { return w.Channels * w.BitsPerSample / 8 }

// BytesPerSecond is the PCM byte rate.
func (w WaveFormat) BytesPerSecond() int { return w.SampleRate * w.BlockAlign() }

// Duration returns the play time of n bytes in this format.
func (w WaveFormat) Duration(n int) time.Duration {
	bps := w.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// AudioBuffer is a block of already-decoded PCM audio.
type AudioBuffer struct {
	Data   []byte
	Format WaveFormat
}

// NewAudioBuffer validates that data is whole samples in format.
func NewAudioBuffer(data []byte, format WaveFormat) (AudioBuffer, error) {
	align := format.BlockAlign()
	if align <= 0 {
		return AudioBuffer{}, fmt.Errorf("audio format %+v has no block alignment", format)
	}
	if len(data)%align != 0 {
		return AudioBuffer{}, fmt.Errorf("audio payload of %d bytes is not a multiple of block size %d", len(data), align)
	}
	return AudioBuffer{Data: data, Format: format}, nil
}

// Duration is the play time of the buffer.
func (a AudioBuffer) Duration() time.Duration { return a.Format.Duration(len(a.Data)) }

// Retain satisfies the shared-resource contract; audio buffers are plain
// values and carry no reference count.
func (a AudioBuffer) Retain() (AudioBuffer, error) { return a, nil }

// Release is a no-op for audio buffers.
func (a AudioBuffer) Release() error { return nil }
