package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meeting-media-bridge/internal/archive"
	"github.com/meeting-media-bridge/internal/config"
	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
	"github.com/meeting-media-bridge/internal/pipeline"
	"github.com/meeting-media-bridge/internal/transport"
)

// Session is the media a meeting provider feeds into the bridge. The
// provider integration lives outside this process; with no provider the
// bridge only serves its sockets and, in loopback mode, echoes inbound
// audio through the audio stage.
type Session struct {
	Audio  chan media.AudioBatch
	Video  chan media.FrameBatch
	Screen chan media.FrameBatch
}

func newSession() *Session {
	return &Session{
		Audio:  make(chan media.AudioBatch, 8),
		Video:  make(chan media.FrameBatch, 1),
		Screen: make(chan media.FrameBatch, 1),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init()
		logging.FatalExitf("config load failed", "err", err)
	}
	logging.InitLevel(cfg.LogLevel)
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := run(ctx, cfg, reg, newSession(), loopbackEnabled()); err != nil {
		logging.Errorw("bridge stopped with error", append(logging.SessionFields(cfg.SessionID), "err", err)...)
		_ = logging.Sync()
		os.Exit(1)
	}
	logging.Infow("shutdown complete", logging.SessionFields(cfg.SessionID)...)
}

func loopbackEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("BRIDGE_LOOPBACK")), "true")
}

// run starts the bridge, the pipeline and the optional metrics server and
// archive cleaner, and blocks until ctx ends or the pipeline fails.
func run(ctx context.Context, cfg config.Config, reg *prometheus.Registry, sess *Session, loopback bool) error {
	m := metrics.New(reg)
	store := media.NewStore(media.WithStrict(cfg.Strict()))
	logging.Infow("starting bridge", append(logging.SessionFields(cfg.SessionID),
		"env", cfg.Env, "strict", cfg.Strict(), "loopback", loopback)...)

	bridge := transport.NewBridge(transport.BridgeConfig{
		SessionID:    cfg.SessionID,
		Host:         cfg.Transport.Host,
		Ports:        cfg.Transport.Ports,
		WriteTimeout: cfg.SendTimeout(),
		Retries:      cfg.Transport.AudioRetries,
		Backoff:      cfg.Backoff(),
	}, m)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			logging.Warnw("bridge close error", "err", err)
		}
	}()

	arc := archive.New(cfg.Archive.Dir, cfg.SessionID, media.PCM16kMono, m)
	p := pipeline.New(pipeline.Inputs{
		Audio:   sess.Audio,
		Video:   sess.Video,
		Screen:  sess.Screen,
		Inbound: bridge.InboundAudio(),
	}, bridge, pipeline.Options{
		SessionID: cfg.SessionID,
		Threshold: cfg.VAD.EnergyThreshold,
		Window:    cfg.Window(),
		Silence:   cfg.Silence(),
		Metrics:   m,
		Archive:   arc,
		Store:     store,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if loopback {
		g.Go(func() error { return feedLoopback(gctx, p.AudioOut(), sess.Audio) })
	}
	if arc != nil {
		g.Go(func() error {
			arc.RunCleaner(gctx, cfg.Retention(), cfg.Archive.MaxFiles, time.Minute)
			return nil
		})
	}
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logging.Infow("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Warnw("metrics server stopped", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if live := store.Live(); live != 0 {
		logging.Errorw("frame buffers leaked at shutdown", "live", live)
	}
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// feedLoopback turns inbound audio into single-participant audio ticks so
// the audio stage can be exercised without a meeting provider.
func feedLoopback(ctx context.Context, in <-chan media.AudioBuffer, out chan<- media.AudioBatch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf := <-in:
			batch := media.AudioBatch{"loopback": {Value: buf, Time: time.Now()}}
			select {
			case out <- batch:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
