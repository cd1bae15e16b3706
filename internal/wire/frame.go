package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/meeting-media-bridge/internal/media"
)

// ErrInvalidFrame reports a frame whose declared size does not match its
// payload, or bytes that do not parse as a wire frame. Never retried.
var ErrInvalidFrame = errors.New("invalid frame")

const (
	// Version is the only wire frame version written and accepted.
	Version byte = 1
	// HeaderSize is version + width + height + format + payload length.
	HeaderSize = 1 + 4 + 4 + 4 + 4

	offWidth  = 1
	offHeight = 5
	offFormat = 9
	offLength = 13
)

// EncodeFrame writes f as a little-endian wire frame. The payload must be
// exactly Stride*Height bytes; anything else is ErrInvalidFrame.
func EncodeFrame(f media.Frame) ([]byte, error) {
	if f.Width < 0 || f.Height < 0 || f.Stride < 0 {
		return nil, fmt.Errorf("negative dimensions %dx%d stride %d: %w", f.Width, f.Height, f.Stride, ErrInvalidFrame)
	}
	if len(f.Data) != f.Size() {
		return nil, fmt.Errorf("payload is %d bytes, declared %d: %w", len(f.Data), f.Size(), ErrInvalidFrame)
	}
	if f.Width > math.MaxInt32 || f.Height > math.MaxInt32 || len(f.Data) > math.MaxInt32 {
		return nil, fmt.Errorf("frame too large for int32 fields: %w", ErrInvalidFrame)
	}

	out := make([]byte, HeaderSize+len(f.Data))
	out[0] = Version
	binary.LittleEndian.PutUint32(out[offWidth:], uint32(int32(f.Width)))
	binary.LittleEndian.PutUint32(out[offHeight:], uint32(int32(f.Height)))
	binary.LittleEndian.PutUint32(out[offFormat:], uint32(int32(f.Format)))
	binary.LittleEndian.PutUint32(out[offLength:], uint32(int32(len(f.Data))))
	copy(out[HeaderSize:], f.Data)
	return out, nil
}

// DecodeFrame parses a wire frame. The length field must equal the bytes that
// follow the header. The stride is recovered as payload/height since the
// wire format does not carry it.
func DecodeFrame(b []byte) (media.Frame, error) {
	if len(b) < HeaderSize {
		return media.Frame{}, fmt.Errorf("frame of %d bytes is shorter than header: %w", len(b), ErrInvalidFrame)
	}
	if b[0] != Version {
		return media.Frame{}, fmt.Errorf("unsupported version %d: %w", b[0], ErrInvalidFrame)
	}
	width := int32(binary.LittleEndian.Uint32(b[offWidth:]))
	height := int32(binary.LittleEndian.Uint32(b[offHeight:]))
	format := int32(binary.LittleEndian.Uint32(b[offFormat:]))
	length := int32(binary.LittleEndian.Uint32(b[offLength:]))
	if width < 0 || height < 0 || length < 0 {
		return media.Frame{}, fmt.Errorf("negative header field: %w", ErrInvalidFrame)
	}
	if int(length) != len(b)-HeaderSize {
		return media.Frame{}, fmt.Errorf("length field %d, %d bytes follow: %w", length, len(b)-HeaderSize, ErrInvalidFrame)
	}

	stride := 0
	if height > 0 {
		if int(length)%int(height) != 0 {
			return media.Frame{}, fmt.Errorf("payload %d not divisible by height %d: %w", length, height, ErrInvalidFrame)
		}
		stride = int(length) / int(height)
	}
	data := make([]byte, length)
	copy(data, b[HeaderSize:])
	return media.Frame{
		Width:  int(width),
		Height: int(height),
		Stride: stride,
		Format: media.PixelFormat(format),
		Data:   data,
	}, nil
}
