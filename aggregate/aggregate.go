package aggregate

import (
	"context"

	"github.com/viktorenciso/EventCentric/eventstore"
	slog "github.com/viktorenciso/EventCentric/log"
	"github.com/viktorenciso/EventCentric/util"

	"github.com/pkg/errors"
)

var log = slog.S()

// maxExecAttempts is the number of times Exec retries on a stream version
// conflict
const maxExecAttempts = 3

// Base implements the identity and pending events bookkeeping of an event
// sourced aggregate. Aggregates embed it and call Raise for every new event.
type Base struct {
	id      util.ID
	version int64
	pending []eventstore.Event
}

func NewBase(id util.ID) Base {
	return Base{id: id}
}

// FromSnapshot returns a base at the snapshot version
func FromSnapshot(s *eventstore.Snapshot) Base {
	return Base{id: s.StreamID, version: s.Version}
}

func (b *Base) ID() util.ID {
	return b.id
}

func (b *Base) Version() int64 {
	return b.version
}

func (b *Base) PendingEvents() []eventstore.Event {
	return b.pending
}

// Raise records a new event. The aggregate applies it to its state.
func (b *Base) Raise(e eventstore.Event) {
	b.version++
	b.pending = append(b.pending, e)
}

// MarkSaved clears the pending events after a successful save
func (b *Base) MarkSaved() {
	b.pending = nil
}

// Saver is implemented by aggregates that can be marked as saved
type Saver interface {
	eventstore.EventSourced
	MarkSaved()
}

// Exec loads the aggregate (or creates it with create when missing), calls f
// on it and saves the resulting events with causingEvent as causation. On a
// stream version conflict the aggregate is reloaded and f called again.
// When f raises no events, the causing event isn't logged.
func Exec[T Saver](ctx context.Context, store *eventstore.Store[T], id util.ID, create func(id util.ID) T, causingEvent *eventstore.StoredEvent, f func(a T) error) (T, int64, error) {
	var zero T
	var lastErr error
	for i := 0; i < maxExecAttempts; i++ {
		a, ok, err := store.Find(ctx, id)
		if err != nil {
			return zero, 0, err
		}
		if !ok {
			a = create(id)
		}
		if err := f(a); err != nil {
			return zero, 0, err
		}
		if len(a.PendingEvents()) == 0 {
			return a, 0, nil
		}

		v, err := store.Save(ctx, a, causingEvent)
		if err == nil {
			a.MarkSaved()
			return a, v, nil
		}
		if errors.Cause(err) != eventstore.ErrConcurrencyConflict {
			return zero, 0, err
		}
		log.Debugf("stream %s: version conflict, retrying: %v", id, err)
		lastErr = err
	}
	return zero, 0, lastErr
}
