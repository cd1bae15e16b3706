package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
)

// DefaultDrainTimeout bounds how long Close waits for queued audio.
const DefaultDrainTimeout = 5 * time.Second

// BridgeConfig addresses and tunes one session's endpoints.
type BridgeConfig struct {
	SessionID    string
	Host         string
	Ports        PortRange
	WriteTimeout time.Duration
	Retries      int
	Backoff      time.Duration
	DrainTimeout time.Duration
	// Addrs overrides derived addresses per role. Tests use ":0".
	Addrs map[Role]string
}

func (c BridgeConfig) addr(role Role) string {
	if a, ok := c.Addrs[role]; ok {
		return a
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(ListenPort(c.SessionID, role, c.Ports)))
}

// Bridge owns the four endpoints of a session together with the delivery
// policy of each: reliable for audio, latest-wins for video and screen, and
// validated latest-wins conversion for inbound audio.
type Bridge struct {
	cfg       BridgeConfig
	metrics   *metrics.Metrics
	endpoints map[Role]*Endpoint

	audio   *ReliableSender
	video   *LatestSender
	screen  *LatestSender
	inbound *AudioReceiver

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

func NewBridge(cfg BridgeConfig, m *metrics.Metrics) *Bridge {
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	b := &Bridge{cfg: cfg, metrics: m, endpoints: make(map[Role]*Endpoint, len(Roles))}
	for _, r := range Roles {
		b.endpoints[r] = NewEndpoint(r, cfg.addr(r), WithWriteTimeout(cfg.WriteTimeout), WithMetrics(m))
	}
	b.audio = NewReliableSender(b.endpoints[RoleAudio], metrics.ChannelAudio, cfg.Retries, cfg.Backoff, m)
	b.video = NewLatestSender(b.endpoints[RoleVideo], metrics.ChannelVideo, m)
	b.screen = NewLatestSender(b.endpoints[RoleScreen], metrics.ChannelScreen, m)
	b.inbound = NewAudioReceiver(b.endpoints[RoleAudioIn], m)
	return b
}

// Start binds all four endpoints and starts the delivery workers. If any
// endpoint cannot bind, the ones already bound are closed. The workers keep
// ctx's values but not its cancellation: they stop in Close, after queued
// audio has had its chance to drain.
func (b *Bridge) Start(ctx context.Context) error {
	for _, r := range Roles {
		if err := b.endpoints[r].Listen(); err != nil {
			for _, prev := range Roles {
				if prev == r {
					break
				}
				_ = b.endpoints[prev].Close()
			}
			return err
		}
	}

	ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.audio.Run(gctx) })
	g.Go(func() error { return b.video.Run(gctx) })
	g.Go(func() error { return b.screen.Run(gctx) })
	g.Go(func() error { return b.inbound.Run(gctx) })
	b.group = g

	logging.Infow("bridge: started", append(logging.SessionFields(b.cfg.SessionID),
		"audio", b.Addr(RoleAudio), "video", b.Addr(RoleVideo),
		"screen", b.Addr(RoleScreen), "audio_in", b.Addr(RoleAudioIn))...)
	return nil
}

// Addr is the bound address of a role's endpoint.
func (b *Bridge) Addr(r Role) string { return b.endpoints[r].Addr() }

// Endpoint exposes a role's endpoint.
func (b *Bridge) Endpoint(r Role) *Endpoint { return b.endpoints[r] }

// SendAudio queues an utterance chunk. Empty chunks are ignored.
func (b *Bridge) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.audio.Enqueue(chunk)
}

// SendVideo offers the latest video frame list.
func (b *Bridge) SendVideo(payload []byte) { b.video.Offer(payload) }

// SendScreen offers the latest screen-share frame list.
func (b *Bridge) SendScreen(payload []byte) { b.screen.Offer(payload) }

// InboundAudio yields validated audio written by the external process.
func (b *Bridge) InboundAudio() <-chan media.AudioBuffer { return b.inbound.Out() }

// PendingAudio reports chunks queued for delivery.
func (b *Bridge) PendingAudio() int { return b.audio.Pending() }

// Close lets queued audio drain for up to the drain timeout, then stops the
// workers and closes every endpoint.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.audio.Close()
		if b.group != nil {
			t := time.NewTimer(b.cfg.DrainTimeout)
			select {
			case <-b.audio.Done():
			case <-t.C:
				logging.Warnw("bridge: audio drain timed out", "pending", b.audio.Pending())
			}
			t.Stop()
			b.cancel()
		}

		var errs []error
		for _, r := range Roles {
			if err := b.endpoints[r].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", r, err))
			}
		}
		if b.group != nil {
			if err := b.group.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		b.closeErr = errors.Join(errs...)
		logging.Infow("bridge: closed", logging.SessionFields(b.cfg.SessionID)...)
	})
	return b.closeErr
}
