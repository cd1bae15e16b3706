package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meeting-media-bridge/internal/aggregate"
	"github.com/meeting-media-bridge/internal/archive"
	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
	"github.com/meeting-media-bridge/internal/segment"
	"github.com/meeting-media-bridge/internal/vad"
	"github.com/meeting-media-bridge/internal/wire"
)

// Sink receives the pipeline's outbound payloads. transport.Bridge is the
// production implementation. Implementations must not block.
type Sink interface {
	SendAudio(chunk []byte)
	SendVideo(payload []byte)
	SendScreen(payload []byte)
}

// Inputs are the channels the pipeline consumes. The pipeline takes over the
// producer's reference on every frame in a batch it receives and releases it
// once the batch is processed. A nil channel disables its stage.
type Inputs struct {
	Audio   <-chan media.AudioBatch
	Video   <-chan media.FrameBatch
	Screen  <-chan media.FrameBatch
	Inbound <-chan media.AudioBuffer
}

// Options tunes the stages.
type Options struct {
	SessionID string
	Threshold float64
	Window    time.Duration
	Silence   time.Duration
	Metrics   *metrics.Metrics
	Archive   *archive.Archive
	// Store is only consulted for the live-buffer gauge.
	Store *media.Store
	// Now measures how long an audio tick without participants comes after
	// the last timed one. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline wires aggregation, voice activity detection, segmentation and
// serialization between injected inputs and a Sink.
type Pipeline struct {
	in       Inputs
	sink     Sink
	opts     Options
	metrics  *metrics.Metrics
	audioOut chan media.AudioBuffer
}

func New(in Inputs, sink Sink, opts Options) *Pipeline {
	if opts.Threshold == 0 {
		opts.Threshold = vad.DefaultThreshold
	}
	if opts.Window <= 0 {
		opts.Window = vad.DefaultWindow
	}
	if opts.Silence <= 0 {
		opts.Silence = segment.DefaultSilence
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Pipeline{
		in:       in,
		sink:     sink,
		opts:     opts,
		metrics:  opts.Metrics,
		audioOut: make(chan media.AudioBuffer, 1),
	}
}

// AudioOut yields inbound audio from the external process, latest first: a
// buffer not consumed in time is replaced by the next one.
func (p *Pipeline) AudioOut() <-chan media.AudioBuffer { return p.audioOut }

// Run starts one goroutine per stage and blocks until ctx is done, every
// input is closed, or a stage fails with media.ErrInvalidOperation. On
// return all partial audio has been discarded and every frame reference the
// pipeline held or was handed has been released.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx = logging.WithFields(ctx, logging.SessionFields(p.opts.SessionID)...)
	g, gctx := errgroup.WithContext(ctx)
	if p.in.Audio != nil {
		g.Go(func() error { return p.runAudio(gctx) })
	}
	if p.in.Video != nil {
		g.Go(func() error {
			return p.runFrames(gctx, metrics.ChannelVideo, p.in.Video, p.sink.SendVideo)
		})
	}
	if p.in.Screen != nil {
		g.Go(func() error {
			return p.runFrames(gctx, metrics.ChannelScreen, p.in.Screen, p.sink.SendScreen)
		})
	}
	if p.in.Inbound != nil {
		g.Go(func() error { return p.runInbound(gctx) })
	}
	logging.InfowCtx(ctx, "pipeline: running")

	err := g.Wait()
	p.updateLiveFrames()
	if err != nil {
		logging.ErrorwCtx(ctx, "pipeline: stopped on fatal error", "err", err)
		return err
	}
	logging.InfowCtx(ctx, "pipeline: stopped")
	return nil
}

// fatal reports errors that must stop the pipeline.
func fatal(err error) bool { return errors.Is(err, media.ErrInvalidOperation) }

func (p *Pipeline) updateLiveFrames() {
	if p.opts.Store != nil {
		p.metrics.LiveFrames.Set(float64(p.opts.Store.Live()))
	}
}

func (p *Pipeline) runAudio(ctx context.Context) (err error) {
	agg := aggregate.NewMerge[media.AudioBuffer](metrics.ChannelAudio)
	bank := vad.NewBank(p.opts.Threshold, p.opts.Window)
	seg := segment.New(p.opts.Silence)
	clock := &tickClock{now: p.opts.Now}
	defer func() {
		if n := seg.Discard(); n > 0 {
			p.metrics.ChunksDiscarded.Inc()
			logging.InfowCtx(ctx, "pipeline: partial audio discarded", "bytes", n)
		}
		p.metrics.PendingAudioSize.Set(0)
		if cerr := agg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-p.in.Audio:
			if !ok {
				return nil
			}
			if err := p.audioTick(ctx, agg, bank, seg, clock, batch); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) audioTick(ctx context.Context, agg *aggregate.Aggregator[media.AudioBuffer], bank *vad.Bank, seg *segment.Segmenter, clock *tickClock, batch media.AudioBatch) error {
	snap, err := agg.Apply(batch)
	if err != nil {
		if fatal(err) {
			return err
		}
		logging.WarnwCtx(ctx, "pipeline: audio aggregate", "err", err)
	}
	p.metrics.Participants.WithLabelValues(metrics.ChannelAudio).Set(float64(len(snap)))

	now, ok := clock.at(agg.LatestTime())
	if !ok {
		return nil
	}
	flags := bank.Process(snap)
	entries := make(map[string]segment.Entry, len(snap))
	for id, u := range snap {
		entries[id] = segment.Entry{Data: u.Value.Data, Speech: flags[id]}
		p.metrics.SpeechDecisions.WithLabelValues(strconv.FormatBool(flags[id])).Inc()
	}

	chunk, ok := seg.Tick(now, entries)
	p.metrics.PendingAudioSize.Set(float64(seg.Pending()))
	if !ok {
		return nil
	}
	p.metrics.ChunksEmitted.Inc()
	p.metrics.ChunkSize.Observe(float64(len(chunk.Data)))
	logging.InfowCtx(ctx, "pipeline: utterance chunk emitted",
		logging.ChunkFields(len(chunk.Data), int(media.PCM16kMono.Duration(len(chunk.Data)).Milliseconds()))...)
	p.sink.SendAudio(chunk.Data)
	_, _ = p.opts.Archive.Save(chunk.Data, chunk.Time, chunk.LastSpeech)
	return nil
}

// tickClock gives every audio tick an evaluation time on the producer's
// clock. A tick with no participants has no originating time of its own, so
// it is placed after the last timed tick by the wall time elapsed since.
type tickClock struct {
	now    func() time.Time
	origin time.Time
	wall   time.Time
}

func (c *tickClock) at(latest time.Time) (time.Time, bool) {
	if !latest.IsZero() {
		c.origin, c.wall = latest, c.now()
		return latest, true
	}
	if c.origin.IsZero() {
		return time.Time{}, false
	}
	return c.origin.Add(c.now().Sub(c.wall)), true
}

func (p *Pipeline) runFrames(ctx context.Context, channel string, in <-chan media.FrameBatch, send func([]byte)) (err error) {
	agg := aggregate.NewCompose[*media.FrameRef](channel)
	defer func() {
		if derr := drain(in); derr != nil && err == nil {
			err = derr
		}
		if cerr := agg.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.updateLiveFrames()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.frameTick(ctx, channel, agg, batch, send); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) frameTick(ctx context.Context, channel string, agg *aggregate.Aggregator[*media.FrameRef], batch media.FrameBatch, send func([]byte)) error {
	snap, aerr := agg.Apply(batch)
	// the aggregator now holds its own references
	rerr := media.ReleaseFrames(batch)
	if err := errors.Join(aerr, rerr); err != nil {
		if fatal(err) {
			return err
		}
		logging.WarnwCtx(ctx, "pipeline: frame aggregate", "channel", channel, "err", err)
	}
	p.metrics.Participants.WithLabelValues(channel).Set(float64(len(snap)))
	p.updateLiveFrames()

	list := make([]wire.NamedFrame, 0, len(snap))
	for _, id := range snap.Keys() {
		f, err := snap[id].Value.Frame()
		if err != nil {
			return err
		}
		b, err := wire.EncodeFrame(f)
		if err != nil {
			p.metrics.FramesInvalid.WithLabelValues(channel).Inc()
			logging.ErrorwCtx(ctx, "pipeline: frame skipped", append(append([]interface{}{"channel", channel, "err", err},
				logging.ParticipantFields(id)...),
				logging.FrameFields(f.Width, f.Height, int(f.Format), len(f.Data))...)...)
			continue
		}
		p.metrics.FramesEncoded.WithLabelValues(channel).Inc()
		list = append(list, wire.NamedFrame{ParticipantID: id, Frame: b})
	}
	if len(list) == 0 {
		return nil
	}
	payload, err := wire.EncodeFrameList(list)
	if err != nil {
		logging.ErrorwCtx(ctx, "pipeline: frame list encode failed", "channel", channel, "err", err)
		return nil
	}
	send(payload)
	return nil
}

// drain releases every batch still buffered in in without processing it.
func drain(in <-chan media.FrameBatch) error {
	var errs []error
	for {
		select {
		case batch, ok := <-in:
			if !ok {
				return errors.Join(errs...)
			}
			if err := media.ReleaseFrames(batch); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pipeline) runInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf, ok := <-p.in.Inbound:
			if !ok {
				return nil
			}
			p.publish(buf)
		}
	}
}

func (p *Pipeline) publish(buf media.AudioBuffer) {
	for {
		select {
		case p.audioOut <- buf:
			return
		default:
		}
		select {
		case <-p.audioOut:
		default:
		}
	}
}
