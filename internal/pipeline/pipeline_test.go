package pipeline

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeting-media-bridge/internal/archive"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/metrics"
	"github.com/meeting-media-bridge/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	audio  [][]byte
	video  [][]byte
	screen [][]byte
}

func (s *recordingSink) SendAudio(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, b)
}

func (s *recordingSink) SendVideo(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, b)
}

func (s *recordingSink) SendScreen(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = append(s.screen, b)
}

const tickBytes = 3200 // 100 ms of 16 kHz mono 16-bit

func pcm(amplitude int16) []byte {
	out := make([]byte, tickBytes)
	for i := 0; i < tickBytes/2; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func audioTick(t0 time.Time, i int, amplitude int16) media.AudioBatch {
	return media.AudioBatch{
		"alice": {Value: media.AudioBuffer{Data: pcm(amplitude), Format: media.PCM16kMono}, Time: t0.Add(time.Duration(i) * 100 * time.Millisecond)},
	}
}

func run(t *testing.T, p *Pipeline) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestAudioUtteranceFlushedAfterSilence(t *testing.T) {
	t0 := time.Unix(1000, 0)
	audio := make(chan media.AudioBatch)
	sink := &recordingSink{}
	m := metrics.NewNop()
	dir := t.TempDir()
	p := New(Inputs{Audio: audio}, sink, Options{
		SessionID: "s1",
		Metrics:   m,
		Archive:   archive.New(dir, "s1", media.PCM16kMono, m),
		Now:       func() time.Time { return t0 },
	})
	done := run(t, p)

	// one second of speech, then silence until the 2 s threshold is crossed
	for i := 0; i < 34; i++ {
		amp := int16(0)
		if i < 10 {
			amp = 1000
		}
		audio <- audioTick(t0, i, amp)
	}
	close(audio)
	require.NoError(t, wait(t, done))

	require.Len(t, sink.audio, 1)
	assert.Len(t, sink.audio[0], 34*tickBytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksEmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChunksDiscarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksArchived))
}

// steppingClock advances by step on every reading.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestAudioFlushedAfterLastParticipantLeaves(t *testing.T) {
	t0 := time.Unix(1000, 0)
	audio := make(chan media.AudioBatch)
	sink := &recordingSink{}
	m := metrics.NewNop()
	clock := &steppingClock{now: time.Unix(50000, 0), step: 100 * time.Millisecond}
	p := New(Inputs{Audio: audio}, sink, Options{Metrics: m, Now: clock.Now})
	done := run(t, p)

	audio <- audioTick(t0, 0, 0)
	// every participant has stopped streaming
	for i := 0; i < 40; i++ {
		audio <- media.AudioBatch{}
	}
	close(audio)
	require.NoError(t, wait(t, done))

	require.Len(t, sink.audio, 1, "pending audio flushed once silence passes")
	assert.Len(t, sink.audio[0], tickBytes)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChunksDiscarded))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Participants.WithLabelValues(metrics.ChannelAudio)))
}

func TestAudioEmptyTicksBeforeAnyAudioAreIgnored(t *testing.T) {
	audio := make(chan media.AudioBatch)
	sink := &recordingSink{}
	clock := &steppingClock{now: time.Unix(50000, 0), step: time.Second}
	p := New(Inputs{Audio: audio}, sink, Options{Now: clock.Now})
	done := run(t, p)
	for i := 0; i < 5; i++ {
		audio <- media.AudioBatch{}
	}
	close(audio)
	require.NoError(t, wait(t, done))
	assert.Empty(t, sink.audio)
}

func TestAudioSilenceOnlyBelowThresholdEmitsNothing(t *testing.T) {
	t0 := time.Unix(1000, 0)
	audio := make(chan media.AudioBatch)
	sink := &recordingSink{}
	m := metrics.NewNop()
	p := New(Inputs{Audio: audio}, sink, Options{Metrics: m, Now: func() time.Time { return t0 }})
	done := run(t, p)

	for i := 0; i < 15; i++ {
		audio <- audioTick(t0, i, 0)
	}
	close(audio)
	require.NoError(t, wait(t, done))
	assert.Empty(t, sink.audio)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksDiscarded), "partial utterance dropped at shutdown")
}

func TestAudioPartialUtteranceDiscardedOnCancel(t *testing.T) {
	t0 := time.Unix(1000, 0)
	audio := make(chan media.AudioBatch)
	sink := &recordingSink{}
	m := metrics.NewNop()
	p := New(Inputs{Audio: audio}, sink, Options{Metrics: m, Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	for i := 0; i < 8; i++ {
		audio <- audioTick(t0, i, 1000)
	}
	cancel()
	require.NoError(t, wait(t, done))
	assert.Empty(t, sink.audio)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksDiscarded))
}

func frame(store *media.Store, valid bool) *media.FrameRef {
	data := make([]byte, 8)
	if !valid {
		data = data[:5]
	}
	return store.New(media.Frame{Width: 4, Height: 2, Stride: 4, Format: media.PixelFormat(7), Data: data})
}

func TestVideoFramesSerializedAndReleased(t *testing.T) {
	store := media.NewStore()
	video := make(chan media.FrameBatch)
	sink := &recordingSink{}
	m := metrics.NewNop()
	p := New(Inputs{Video: video}, sink, Options{Metrics: m, Store: store})
	done := run(t, p)

	t0 := time.Unix(1000, 0)
	video <- media.FrameBatch{
		"alice": {Value: frame(store, true), Time: t0},
		"bob":   {Value: frame(store, false), Time: t0},
	}
	video <- media.FrameBatch{"carol": {Value: frame(store, true), Time: t0.Add(time.Second)}}
	close(video)
	require.NoError(t, wait(t, done))

	require.Len(t, sink.video, 2)
	first, err := wire.DecodeFrameList(sink.video[0])
	require.NoError(t, err)
	require.Len(t, first, 1, "bob's mismatched frame is skipped")
	assert.Equal(t, "alice", first[0].ParticipantID)
	f, err := wire.DecodeFrame(first[0].Frame)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Width)

	second, err := wire.DecodeFrameList(sink.video[1])
	require.NoError(t, err)
	ids := []string{}
	for _, nf := range second {
		ids = append(ids, nf.ParticipantID)
	}
	assert.Equal(t, []string{"alice", "carol"}, ids, "compose keeps alice's last frame")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesInvalid.WithLabelValues(metrics.ChannelVideo)))
	assert.Equal(t, 0, store.Live(), "no frame buffer leaks past shutdown")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LiveFrames))
}

func TestShutdownReleasesPendingBatches(t *testing.T) {
	store := media.NewStore()
	screen := make(chan media.FrameBatch, 4)
	p := New(Inputs{Screen: screen}, &recordingSink{}, Options{Store: store})
	for i := 0; i < 4; i++ {
		screen <- media.FrameBatch{"alice": {Value: frame(store, true), Time: time.Unix(int64(i), 0)}}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 0, store.Live())
}

func TestReferenceViolationStopsPipeline(t *testing.T) {
	store := media.NewStore()
	video := make(chan media.FrameBatch, 1)
	audio := make(chan media.AudioBatch)
	p := New(Inputs{Video: video, Audio: audio}, &recordingSink{}, Options{Store: store})

	ref := frame(store, true)
	keep, err := ref.Retain()
	require.NoError(t, err)
	require.NoError(t, ref.Release())
	video <- media.FrameBatch{"alice": {Value: ref, Time: time.Unix(1, 0)}}

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, media.ErrInvalidOperation)

	require.NoError(t, keep.Release())
	assert.Equal(t, 0, store.Live())
}

func TestInboundAudioKeepsLatest(t *testing.T) {
	inbound := make(chan media.AudioBuffer)
	p := New(Inputs{Inbound: inbound}, &recordingSink{}, Options{})
	done := run(t, p)
	for i := byte(1); i <= 3; i++ {
		inbound <- media.AudioBuffer{Data: []byte{i, 0}, Format: media.PCM16kMono}
	}
	close(inbound)
	require.NoError(t, wait(t, done))

	select {
	case buf := <-p.AudioOut():
		assert.Equal(t, []byte{3, 0}, buf.Data)
	default:
		t.Fatal("no inbound audio forwarded")
	}
}
