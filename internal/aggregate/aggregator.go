package aggregate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/media"
)

// Resource is a value the aggregator holds a counted reference on. Retain
// returns an independently releasable reference; Release drops one.
type Resource[T any] interface {
	Retain() (T, error)
	Release() error
}

// Mode selects how keys missing from a batch are treated.
type Mode int

const (
	// Compose keeps the last value of participants absent from a batch.
	// Used for video and screen-share.
	Compose Mode = iota
	// Merge rebuilds the snapshot from the batch alone; absent participants
	// are released and dropped. Used for audio.
	Merge
)

func (m Mode) String() string {
	switch m {
	case Compose:
		return "compose"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Aggregator owns the per-participant snapshot of one modality. It is owned
// by a single stage; Apply and Close are not meant to race with each other
// but are guarded so a late Close from shutdown is safe.
type Aggregator[T Resource[T]] struct {
	mode Mode
	name string

	mu     sync.Mutex
	held   media.Batch[T]
	closed bool
}

// New creates an aggregator in the given mode. name only labels log lines.
func New[T Resource[T]](name string, mode Mode) *Aggregator[T] {
	return &Aggregator[T]{
		mode: mode,
		name: name,
		held: make(media.Batch[T]),
	}
}

// NewCompose is shorthand for New(name, Compose).
func NewCompose[T Resource[T]](name string) *Aggregator[T] { return New[T](name, Compose) }

// NewMerge is shorthand for New(name, Merge).
func NewMerge[T Resource[T]](name string) *Aggregator[T] { return New[T](name, Merge) }

// Apply folds batch into the snapshot and returns it. The returned map is
// only valid until the next Apply; readers that keep a value longer must
// Retain it. The caller keeps ownership of the references in batch.
//
// Every supersede releases exactly one held reference. Release failures are
// collected and returned after the snapshot is updated.
func (a *Aggregator[T]) Apply(batch media.Batch[T]) (media.Batch[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("aggregator %s: apply after close: %w", a.name, media.ErrInvalidOperation)
	}

	var errs []error
	next := a.held
	if a.mode == Merge {
		next = make(media.Batch[T], len(batch))
	}

	for id, u := range batch {
		if isNil(u.Value) {
			continue
		}
		retained, err := u.Value.Retain()
		if err != nil {
			errs = append(errs, fmt.Errorf("retain %s: %w", id, err))
			continue
		}
		if old, ok := a.held[id]; ok {
			if err := old.Value.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", id, err))
			}
			if a.mode == Merge {
				delete(a.held, id)
			}
		}
		next[id] = media.Update[T]{Value: retained, Time: u.Time}
	}

	if a.mode == Merge {
		// whatever is left in held was not in this batch
		for id, old := range a.held {
			if err := old.Value.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", id, err))
			}
			logging.Debugw("aggregator: participant dropped", append([]interface{}{"aggregator", a.name},
				logging.ParticipantFields(id)...)...)
		}
		a.held = next
	}

	return a.held, errors.Join(errs...)
}

// Snapshot returns the current map without modifying it.
func (a *Aggregator[T]) Snapshot() media.Batch[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held
}

// Len reports how many participants are held.
func (a *Aggregator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

// Close releases every held reference. Further Apply calls fail with
// media.ErrInvalidOperation; a second Close is a no-op.
func (a *Aggregator[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for id, u := range a.held {
		if err := u.Value.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	a.held = make(media.Batch[T])
	logging.Debugw("aggregator: closed", "aggregator", a.name, "mode", a.mode.String())
	return errors.Join(errs...)
}

// LatestTime returns the newest originating time held, or zero when empty.
func (a *Aggregator[T]) LatestTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held.Latest()
}

// isNil reports a nil frame handle, which a batch uses to mean "no update".
func isNil[T any](v T) bool {
	switch x := any(v).(type) {
	case nil:
		return true
	case *media.FrameRef:
		return x == nil
	default:
		return false
	}
}
