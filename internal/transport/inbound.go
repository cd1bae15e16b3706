package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
)

// ToAudioBuffer validates one inbound message and wraps it as 16 kHz mono
// 16-bit PCM. Text messages, empty messages and partial samples are
// rejected with ErrInvalidAudio.
func ToAudioBuffer(msg Message) (media.AudioBuffer, error) {
	if msg.Type != websocket.BinaryMessage {
		return media.AudioBuffer{}, fmt.Errorf("message type %d is not binary: %w", msg.Type, ErrInvalidAudio)
	}
	if len(msg.Data) == 0 {
		return media.AudioBuffer{}, fmt.Errorf("empty message: %w", ErrInvalidAudio)
	}
	buf, err := media.NewAudioBuffer(msg.Data, media.PCM16kMono)
	if err != nil {
		return media.AudioBuffer{}, fmt.Errorf("%v: %w", err, ErrInvalidAudio)
	}
	return buf, nil
}

func rejectReason(msg Message) string {
	switch {
	case msg.Type != websocket.BinaryMessage:
		return "not_binary"
	case len(msg.Data) == 0:
		return "empty"
	default:
		return "partial_sample"
	}
}

// AudioReceiver turns raw messages from the external process into audio
// buffers. Delivery is latest-wins: a buffer not yet consumed is replaced by
// a newer one.
type AudioReceiver struct {
	src     Source
	metrics *metrics.Metrics
	out     chan media.AudioBuffer
}

func NewAudioReceiver(src Source, m *metrics.Metrics) *AudioReceiver {
	if m == nil {
		m = metrics.NewNop()
	}
	return &AudioReceiver{src: src, metrics: m, out: make(chan media.AudioBuffer, 1)}
}

// Out yields validated buffers.
func (r *AudioReceiver) Out() <-chan media.AudioBuffer { return r.out }

// Run receives until ctx is done or the source is closed.
func (r *AudioReceiver) Run(ctx context.Context) error {
	for {
		msg, err := r.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportUnavailable) {
				return nil
			}
			return err
		}
		buf, err := ToAudioBuffer(msg)
		if err != nil {
			r.metrics.InboundRejected.WithLabelValues(rejectReason(msg)).Inc()
			logging.Errorw("audio receiver: rejected inbound message", "bytes", len(msg.Data), "type", msg.Type, "err", err)
			continue
		}
		r.metrics.InboundAccepted.Inc()
		r.publish(buf)
	}
}

func (r *AudioReceiver) publish(buf media.AudioBuffer) {
	for {
		select {
		case r.out <- buf:
			return
		default:
		}
		select {
		case <-r.out:
		default:
		}
	}
}
