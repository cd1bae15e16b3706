package segment

import (
	"sort"
	"time"

	"github.com/meeting-media-bridge/internal/logging"
)

// DefaultSilence is how long no participant may speak before pending audio
// is emitted as a chunk.
const DefaultSilence = 2000 * time.Millisecond

// Entry is one participant's contribution to a tick.
type Entry struct {
	Data   []byte
	Speech bool
}

// Chunk is one emitted utterance plus its trailing silence.
type Chunk struct {
	Data []byte
	// Time is the evaluation time of the tick that emitted the chunk.
	Time time.Time
	// LastSpeech is when speech was last seen before the flush.
	LastSpeech time.Time
}

// Segmenter merges every participant's audio into one pending buffer and
// emits it after a silence. Attribution is not kept: all speakers end up in
// the same byte stream.
type Segmenter struct {
	silence    time.Duration
	pending    []byte
	lastSpeech time.Time
	started    bool
}

// New creates a segmenter. Its silence clock starts at the first tick, so
// every comparison uses the producer's clock.
func New(silence time.Duration) *Segmenter {
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Segmenter{silence: silence}
}

// Tick folds one tick into the accumulator. now is the tick's originating
// time. It returns the emitted chunk and true, or false when nothing is due.
// Emitted chunks are never empty.
func (s *Segmenter) Tick(now time.Time, entries map[string]Entry) (Chunk, bool) {
	if !s.started {
		s.started = true
		s.lastSpeech = now
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hasSpeech := false
	for _, id := range ids {
		e := entries[id]
		s.pending = append(s.pending, e.Data...)
		if e.Speech {
			hasSpeech = true
		}
	}
	if hasSpeech {
		s.lastSpeech = now
		return Chunk{}, false
	}
	if now.Sub(s.lastSpeech) <= s.silence || len(s.pending) == 0 {
		return Chunk{}, false
	}

	c := Chunk{Data: s.pending, Time: now, LastSpeech: s.lastSpeech}
	s.pending = nil
	logging.Debugw("segmenter: chunk emitted", "chunk.bytes", len(c.Data), "silence_ms", now.Sub(c.LastSpeech).Milliseconds())
	return c, true
}

// Pending reports the number of buffered bytes.
func (s *Segmenter) Pending() int { return len(s.pending) }

// LastSpeech is the evaluation time speech was last seen, or the first
// tick's time if it never was. Zero before the first tick.
func (s *Segmenter) LastSpeech() time.Time { return s.lastSpeech }

// Discard drops buffered audio without emitting it and returns how many bytes
// were dropped. Used at shutdown so partial utterances are never flushed.
func (s *Segmenter) Discard() int {
	n := len(s.pending)
	s.pending = nil
	return n
}
