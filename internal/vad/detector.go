package vad

import (
	"time"
)

// DefaultThreshold is the log-energy level above which a sample counts as
// voiced. It corresponds to an int16 RMS of roughly 55.
const DefaultThreshold = 8.0

// DefaultWindow is the look-ahead used for every decision.
const DefaultWindow = 300 * time.Millisecond

// Evaluate applies the hysteresis rule to one window. Starting speech needs
// every value above threshold; stopping needs every value below it. An empty
// window carries no evidence and yields silence whatever prev was; Detector
// never evaluates one, since every window holds at least its head sample.
func Evaluate(prev bool, values []float64, threshold float64) bool {
	if len(values) == 0 {
		return false
	}
	if !prev {
		for _, v := range values {
			if v <= threshold {
				return false
			}
		}
		return true
	}
	for _, v := range values {
		if v >= threshold {
			return true
		}
	}
	return false
}

// Decision is the speech state at Time.
type Decision struct {
	Time   time.Time
	Speech bool
}

// Detector turns one participant's energy stream into speech decisions.
// The window for a sample at t covers [t, t+window], so the decision for t
// is emitted only after a sample later than t+window has arrived.
type Detector struct {
	threshold float64
	window    time.Duration

	pending []Sample
	state   bool
}

// NewDetector starts in the silent state. A non-positive window means
// DefaultWindow.
func NewDetector(threshold float64, window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{threshold: threshold, window: window}
}

// State is the last emitted speech state.
func (d *Detector) State() bool { return d.state }

// Push adds samples in time order and returns every decision that became
// computable. Samples older than the newest pending one are ignored.
func (d *Detector) Push(samples ...Sample) []Decision {
	for _, s := range samples {
		if n := len(d.pending); n > 0 && !s.Time.After(d.pending[n-1].Time) {
			continue
		}
		d.pending = append(d.pending, s)
	}

	var out []Decision
	values := make([]float64, 0, len(d.pending))
	for len(d.pending) > 0 {
		head := d.pending[0]
		horizon := head.Time.Add(d.window)
		last := d.pending[len(d.pending)-1]
		if !last.Time.After(horizon) {
			break
		}
		values = values[:0]
		for _, s := range d.pending {
			if s.Time.After(horizon) {
				break
			}
			values = append(values, s.Energy)
		}
		d.state = Evaluate(d.state, values, d.threshold)
		out = append(out, Decision{Time: head.Time, Speech: d.state})
		d.pending = d.pending[1:]
	}
	return out
}
