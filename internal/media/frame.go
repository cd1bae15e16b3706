package media

import (
	"fmt"
	"sync/atomic"

	"github.com/meeting-media-bridge/internal/logging"
)

// PixelFormat is the integer pixel-format code carried on the wire. The
// bridge does not interpret pixel data, so unknown codes pass through.
type PixelFormat int32

const (
	PixelFormatUndefined PixelFormat = iota
	PixelFormatGray8
	PixelFormatGray16
	PixelFormatBGR24
	PixelFormatBGRX32
	PixelFormatBGRA32
	PixelFormatRGBA64
	PixelFormatRGB24
)

// BytesPerPixel returns the pixel size for known formats and 0 otherwise.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatGray8:
		return 1
	case PixelFormatGray16:
		return 2
	case PixelFormatBGR24, PixelFormatRGB24:
		return 3
	case PixelFormatBGRX32, PixelFormatBGRA32:
		return 4
	case PixelFormatRGBA64:
		return 8
	default:
		return 0
	}
}

// Frame is a decoded image. Data holds Stride*Height bytes; Data must not be
// modified once the frame has been handed to a Store.
type Frame struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte
}

// NewFrame builds a Frame with a tightly packed stride for a known format.
func NewFrame(width, height int, format PixelFormat, data []byte) Frame {
	return Frame{
		Width:  width,
		Height: height,
		Stride: width * format.BytesPerPixel(),
		Format: format,
		Data:   data,
	}
}

// Size is the declared payload size in bytes.
func (f Frame) Size() int { return f.Stride * f.Height }

func (f Frame) String() string {
	return fmt.Sprintf("Frame{%dx%d stride=%d format=%d len=%d}", f.Width, f.Height, f.Stride, f.Format, len(f.Data))
}

// Store hands out reference-counted frame buffers and tracks how many are
// still alive. In strict mode a reference-count violation panics; otherwise
// it is logged at error level and returned to the caller.
type Store struct {
	strict bool
	live   atomic.Int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStrict enables panicking on reference-count violations.
func WithStrict(strict bool) StoreOption {
	return func(s *Store) { s.strict = strict }
}

// NewStore returns an empty store. Without WithStrict, violations are
// logged and returned as errors.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// New wraps f in a buffer owned by one handle.
func (s *Store) New(f Frame) *FrameRef {
	buf := &frameBuffer{store: s, frame: f}
	buf.refs.Store(1)
	s.live.Add(1)
	return &FrameRef{buf: buf}
}

// Live reports buffers that still have at least one reference.
func (s *Store) Live() int { return int(s.live.Load()) }

func (s *Store) violation(op string, f Frame) error {
	err := fmt.Errorf("%s on released frame handle: %w", op, ErrInvalidOperation)
	if s.strict {
		panic(err)
	}
	logging.Errorw("frame reference violation", append([]interface{}{"op", op, "err", err},
		logging.FrameFields(f.Width, f.Height, int(f.Format), len(f.Data))...)...)
	return err
}

type frameBuffer struct {
	store *Store
	frame Frame
	refs  atomic.Int32
}

func (b *frameBuffer) free() {
	b.frame.Data = nil
	b.store.live.Add(-1)
}

// FrameRef is one counted reference to a shared frame buffer. Each handle is
// released exactly once; handles obtained via Retain are independent.
type FrameRef struct {
	buf      *frameBuffer
	released atomic.Bool
}

// Retain returns a new handle on the same buffer without copying pixels.
func (r *FrameRef) Retain() (*FrameRef, error) {
	if r.released.Load() {
		return nil, r.buf.store.violation("retain", r.buf.frame)
	}
	r.buf.refs.Add(1)
	return &FrameRef{buf: r.buf}, nil
}

// Release drops this handle's reference and frees the buffer when it was the
// last one. A second Release on the same handle is ErrInvalidOperation.
func (r *FrameRef) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return r.buf.store.violation("release", r.buf.frame)
	}
	if r.buf.refs.Add(-1) == 0 {
		r.buf.free()
	}
	return nil
}

// Frame returns the image behind the handle. Reading through a released
// handle is ErrInvalidOperation.
func (r *FrameRef) Frame() (Frame, error) {
	if r.released.Load() {
		return Frame{}, r.buf.store.violation("read", r.buf.frame)
	}
	return r.buf.frame, nil
}

// Refs reports the shared reference count of the underlying buffer.
func (r *FrameRef) Refs() int { return int(r.buf.refs.Load()) }
