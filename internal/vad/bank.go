package vad

import (
	"time"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
)

// historyLimit bounds how many past decisions a participant keeps for joins.
const historyLimit = 128

// Timeline stores decisions already produced for one participant and answers
// "what was the speech state nearest to t" using only what is available now.
type Timeline struct {
	decisions []Decision
}

// Add appends decisions in time order, trimming the oldest past the limit.
func (tl *Timeline) Add(ds ...Decision) {
	tl.decisions = append(tl.decisions, ds...)
	if over := len(tl.decisions) - historyLimit; over > 0 {
		tl.decisions = append(tl.decisions[:0], tl.decisions[over:]...)
	}
}

// Nearest returns the state of the available decision closest to t on either
// side. With no decisions yet it reports false.
func (tl *Timeline) Nearest(t time.Time) bool {
	if len(tl.decisions) == 0 {
		return false
	}
	best := tl.decisions[0]
	bestDist := absDuration(t.Sub(best.Time))
	for _, d := range tl.decisions[1:] {
		if dist := absDuration(t.Sub(d.Time)); dist <= bestDist {
			best, bestDist = d, dist
		}
	}
	return best.Speech
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type track struct {
	detector *Detector
	timeline Timeline
}

// Bank runs one detector per participant over audio ticks and joins each
// tick's audio with that participant's nearest available speech state.
type Bank struct {
	threshold float64
	window    time.Duration
	tracks    map[string]*track
}

// NewBank returns a bank whose detectors share threshold and window.
func NewBank(threshold float64, window time.Duration) *Bank {
	return &Bank{threshold: threshold, window: window, tracks: make(map[string]*track)}
}

// Process consumes one merged audio snapshot and returns the speech flag for
// every participant in it. Participants missing from the snapshot lose their
// detector state.
func (b *Bank) Process(snap media.AudioBatch) map[string]bool {
	for id := range b.tracks {
		if _, ok := snap[id]; !ok {
			delete(b.tracks, id)
			logging.Debugw("vad: detector dropped", logging.ParticipantFields(id)...)
		}
	}

	flags := make(map[string]bool, len(snap))
	for _, id := range snap.Keys() {
		u := snap[id]
		tr, ok := b.tracks[id]
		if !ok {
			tr = &track{detector: NewDetector(b.threshold, b.window)}
			b.tracks[id] = tr
		}
		if ds := tr.detector.Push(Energies(u.Value, u.Time)...); len(ds) > 0 {
			tr.timeline.Add(ds...)
		}
		flags[id] = tr.timeline.Nearest(u.Time)
	}
	return flags
}

// Participants reports how many detectors are live.
func (b *Bank) Participants() int { return len(b.tracks) }
