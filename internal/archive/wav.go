package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meeting-media-bridge/internal/media"
)

const wavHeaderSize = 44

// BuildWAV prefixes pcm with a canonical 44-byte RIFF/WAVE header.
func BuildWAV(pcm []byte, format media.WaveFormat) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(format.BytesPerSecond()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.BlockAlign()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(format.BitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV reads back a file written by BuildWAV.
func ParseWAV(b []byte) (media.AudioBuffer, error) {
	if len(b) < wavHeaderSize || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return media.AudioBuffer{}, errors.New("not a RIFF/WAVE file")
	}
	format := media.WaveFormat{
		Channels:      int(binary.LittleEndian.Uint16(b[22:])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[24:])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[34:])),
	}
	n := int(binary.LittleEndian.Uint32(b[40:]))
	if n != len(b)-wavHeaderSize {
		return media.AudioBuffer{}, fmt.Errorf("data chunk declares %d bytes, %d present", n, len(b)-wavHeaderSize)
	}
	return media.NewAudioBuffer(b[wavHeaderSize:], format)
}
