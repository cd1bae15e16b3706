package transport

import (
	"context"
	"errors"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/metrics"
)

// LatestSender delivers the most recent payload only. Offer never blocks: a
// payload not yet picked up by the writer is replaced by a newer one. Failed
// sends are dropped and counted.
type LatestSender struct {
	out     Sender
	channel string
	metrics *metrics.Metrics
	slot    chan []byte
}

func NewLatestSender(out Sender, channel string, m *metrics.Metrics) *LatestSender {
	if m == nil {
		m = metrics.NewNop()
	}
	return &LatestSender{
		out:     out,
		channel: channel,
		metrics: m,
		slot:    make(chan []byte, 1),
	}
}

// Offer queues payload for delivery, superseding any undelivered payload.
func (s *LatestSender) Offer(payload []byte) {
	for {
		select {
		case s.slot <- payload:
			return
		default:
		}
		select {
		case <-s.slot:
			s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonSuperseded).Inc()
		default:
		}
	}
}

// Run writes offered payloads until ctx is done. A payload still waiting at
// shutdown is discarded.
func (s *LatestSender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.slot:
				s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonClosed).Inc()
			default:
			}
			return nil
		case p := <-s.slot:
			s.deliver(ctx, p)
		}
	}
}

func (s *LatestSender) deliver(ctx context.Context, p []byte) {
	if err := s.out.Send(ctx, p); err != nil {
		s.metrics.SendFailures.WithLabelValues(s.channel).Inc()
		s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonUnavailable).Inc()
		if !errors.Is(err, context.Canceled) {
			logging.Debugw("latest sender: payload dropped", "channel", s.channel, "bytes", len(p), "err", err)
		}
		return
	}
	s.metrics.PayloadsSent.WithLabelValues(s.channel).Inc()
}
