package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeting-media-bridge/internal/media"
)

func sampleFrame() media.Frame {
	return media.Frame{
		Width:  4,
		Height: 2,
		Stride: 4,
		Format: media.PixelFormat(7),
		Data:   []byte{0, 1, 2, 3, 4, 5, 6, 7},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := sampleFrame()
	b, err := EncodeFrame(in)
	require.NoError(t, err)
	require.Len(t, b, HeaderSize+8)

	out, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, in.Width, out.Width)
	assert.Equal(t, in.Height, out.Height)
	assert.Equal(t, in.Format, out.Format)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.Stride, out.Stride)
}

func TestEncodeLayoutIsLittleEndian(t *testing.T) {
	b, err := EncodeFrame(sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, []byte{
		1,
		4, 0, 0, 0,
		2, 0, 0, 0,
		7, 0, 0, 0,
		8, 0, 0, 0,
		0, 1, 2, 3, 4, 5, 6, 7,
	}, b)
}

func TestEncodeRejectsSizeMismatch(t *testing.T) {
	f := sampleFrame()
	f.Data = f.Data[:7]
	_, err := EncodeFrame(f)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	f = sampleFrame()
	f.Data = append(f.Data, 9)
	_, err = EncodeFrame(f)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	good, err := EncodeFrame(sampleFrame())
	require.NoError(t, err)

	corrupt := func(mut func([]byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return mut(b)
	}
	cases := map[string][]byte{
		"length field too large": corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[offLength:], 9)
			return b
		}),
		"length field too small": corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[offLength:], 3)
			return b
		}),
		"negative length": corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[offLength:], 0xFFFFFFFF)
			return b
		}),
		"negative width": corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[offWidth:], 0x80000000)
			return b
		}),
		"bad version":      corrupt(func(b []byte) []byte { b[0] = 2; return b }),
		"truncated header": good[:HeaderSize-1],
		"truncated body":   good[:len(good)-1],
		"empty":            nil,
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(b)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	b, err := EncodeFrame(sampleFrame())
	require.NoError(t, err)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	b[HeaderSize] = 99
	assert.Equal(t, byte(0), f.Data[0])
}

func TestEmptyFrame(t *testing.T) {
	b, err := EncodeFrame(media.Frame{Format: media.PixelFormatGray8})
	require.NoError(t, err)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Width)
	assert.Empty(t, f.Data)
}

func TestFrameListRoundTrip(t *testing.T) {
	wf, err := EncodeFrame(sampleFrame())
	require.NoError(t, err)
	in := []NamedFrame{
		{ParticipantID: "alice", Frame: wf},
		{ParticipantID: "bob", Frame: []byte{1}},
	}
	b, err := EncodeFrameList(in)
	require.NoError(t, err)
	// fixarray(2) of fixarray(2)
	assert.Equal(t, byte(0x92), b[0])
	assert.Equal(t, byte(0x92), b[1])

	out, err := DecodeFrameList(b)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "alice", out[0].ParticipantID)
	assert.Equal(t, wf, out[0].Frame)
	assert.Equal(t, "bob", out[1].ParticipantID)
}

func TestEmptyFrameList(t *testing.T) {
	b, err := EncodeFrameList(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90}, b)
}

func TestDecodeFrameListGarbage(t *testing.T) {
	_, err := DecodeFrameList([]byte{0xc1})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
