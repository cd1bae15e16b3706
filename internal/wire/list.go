package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// NamedFrame pairs a participant id with an encoded wire frame. It is packed
// as a two-element MessagePack array.
type NamedFrame struct {
	_msgpack      struct{} `msgpack:",as_array"`
	ParticipantID string
	Frame         []byte
}

// EncodeFrameList packs the per-tick frames of one channel. Order is kept.
func EncodeFrameList(frames []NamedFrame) ([]byte, error) {
	if frames == nil {
		frames = []NamedFrame{}
	}
	b, err := msgpack.Marshal(frames)
	if err != nil {
		return nil, fmt.Errorf("encode frame list: %w", err)
	}
	return b, nil
}

// DecodeFrameList unpacks a payload written by EncodeFrameList. The inner
// wire frames are returned undecoded.
func DecodeFrameList(b []byte) ([]NamedFrame, error) {
	var frames []NamedFrame
	if err := msgpack.Unmarshal(b, &frames); err != nil {
		return nil, fmt.Errorf("decode frame list: %v: %w", err, ErrInvalidFrame)
	}
	return frames, nil
}
