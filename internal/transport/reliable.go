package transport

import (
	"context"
	"sync"
	"time"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/metrics"
)

const (
	// DefaultRetries is how many extra attempts a chunk gets.
	DefaultRetries = 3
	// DefaultBackoff is the first retry delay; each retry doubles it.
	DefaultBackoff = 200 * time.Millisecond
)

// ReliableSender delivers every enqueued chunk in order. A chunk that still
// fails after the retries is dropped with an error log and a failure metric;
// the queue itself is unbounded so producers never block.
type ReliableSender struct {
	out     Sender
	channel string
	metrics *metrics.Metrics
	retries int
	backoff time.Duration

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewReliableSender(out Sender, channel string, retries int, backoff time.Duration, m *metrics.Metrics) *ReliableSender {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &ReliableSender{
		out:     out,
		channel: channel,
		metrics: m,
		retries: retries,
		backoff: backoff,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue appends chunk. Chunks enqueued after Close are dropped.
func (s *ReliableSender) Enqueue(chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonClosed).Inc()
		logging.Warnw("reliable sender: enqueue after close", "channel", s.channel, "bytes", len(chunk))
		return
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.signal()
}

func (s *ReliableSender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports queued chunks not yet attempted.
func (s *ReliableSender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting chunks. Run delivers what is already queued and then
// returns.
func (s *ReliableSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Done is closed when Run has returned.
func (s *ReliableSender) Done() <-chan struct{} { return s.done }

func (s *ReliableSender) next() ([]byte, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false, s.closed
	}
	c := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return c, true, false
}

// Run delivers queued chunks until Close drains the queue or ctx is done.
// Chunks still queued when ctx ends are dropped and counted.
func (s *ReliableSender) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		chunk, ok, closed := s.next()
		if closed {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}
		if !s.deliver(ctx, chunk) && ctx.Err() != nil {
			s.dropRemaining()
			return nil
		}
	}
}

// deliver makes up to 1+retries attempts with exponential backoff.
func (s *ReliableSender) deliver(ctx context.Context, chunk []byte) bool {
	var err error
	for i := 0; i <= s.retries; i++ {
		if i > 0 {
			s.metrics.SendRetries.WithLabelValues(s.channel).Inc()
			t := time.NewTimer(s.backoff * time.Duration(1<<(i-1)))
			select {
			case <-ctx.Done():
				t.Stop()
				s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonClosed).Inc()
				return false
			case <-t.C:
			}
		}
		if err = s.out.Send(ctx, chunk); err == nil {
			s.metrics.PayloadsSent.WithLabelValues(s.channel).Inc()
			return true
		}
		s.metrics.SendFailures.WithLabelValues(s.channel).Inc()
		logging.Debugw("reliable sender: attempt failed", "channel", s.channel, "attempt", i+1, "err", err)
	}
	s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonExhausted).Inc()
	logging.Errorw("reliable sender: chunk dropped after retries", "channel", s.channel,
		"bytes", len(chunk), "attempts", s.retries+1, "err", err)
	return false
}

func (s *ReliableSender) dropRemaining() {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.closed = true
	s.mu.Unlock()
	if n > 0 {
		s.metrics.PayloadsDropped.WithLabelValues(s.channel, metrics.ReasonClosed).Add(float64(n))
		logging.Warnw("reliable sender: queued chunks dropped at shutdown", "channel", s.channel, "count", n)
	}
}
