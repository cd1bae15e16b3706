package media

import (
	"errors"
	"sort"
	"time"
)

// Update is a value stamped with its originating time. Originating time, not
// arrival time, orders updates within a stream.
type Update[T any] struct {
	Value T
	Time  time.Time
}

// Batch carries one tick of per-participant updates keyed by participant id.
// A participant missing from the batch had no update this tick.
type Batch[T any] map[string]Update[T]

// Keys returns the participant ids in sorted order.
func (b Batch[T]) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Latest returns the newest originating time in the batch, or the zero time
// for an empty batch.
func (b Batch[T]) Latest() time.Time {
	var latest time.Time
	for _, u := range b {
		if u.Time.After(latest) {
			latest = u.Time
		}
	}
	return latest
}

// FrameBatch is a tick of video or screen-share frames.
type FrameBatch = Batch[*FrameRef]

// AudioBatch is a tick of per-participant audio.
type AudioBatch = Batch[AudioBuffer]

// ReleaseFrames drops the producer's reference on every frame in b. Nil
// handles are skipped. All handles are released even if one fails; the
// errors are joined.
func ReleaseFrames(b FrameBatch) error {
	var errs []error
	for _, u := range b {
		if u.Value == nil {
			continue
		}
		if err := u.Value.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
