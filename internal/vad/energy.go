package vad

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/meeting-media-bridge/internal/media"
)

// FrameDuration is the analysis hop used to turn PCM into energy samples.
const FrameDuration = 10 * time.Millisecond

// epsilon keeps log energy finite on digital silence.
const epsilon = 1e-10

// Sample is one log-energy measurement. Time is the end of the analysed frame.
type Sample struct {
	Time   time.Time
	Energy float64
}

// LogEnergy returns ln(mean(x^2)+eps) over little-endian int16 samples.
// Samples are raw integer values, not normalised to [-1,1].
func LogEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return math.Log(epsilon)
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Log(sum/float64(n) + epsilon)
}

// Energies splits buf into FrameDuration frames and returns one sample per
// frame. end is the originating time of the buffer, taken to be the time of
// its last byte. A trailing partial frame is measured on its own.
func Energies(buf media.AudioBuffer, end time.Time) []Sample {
	if len(buf.Data) == 0 {
		return nil
	}
	hop := buf.Format.BytesPerSecond() * int(FrameDuration/time.Millisecond) / 1000
	if hop <= 0 {
		hop = len(buf.Data)
	}
	if align := buf.Format.BlockAlign(); align > 0 {
		hop -= hop % align
	}
	start := end.Add(-buf.Duration())
	out := make([]Sample, 0, (len(buf.Data)+hop-1)/hop)
	for off := 0; off < len(buf.Data); off += hop {
		stop := off + hop
		if stop > len(buf.Data) {
			stop = len(buf.Data)
		}
		out = append(out, Sample{
			Time:   start.Add(buf.Format.Duration(stop)),
			Energy: LogEnergy(buf.Data[off:stop]),
		})
	}
	return out
}
