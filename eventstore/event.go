package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/viktorenciso/EventCentric/util"

	"github.com/pkg/errors"
)

var (
	// ErrConcurrencyConflict is returned when the first pending event version
	// doesn't follow the persisted stream version
	ErrConcurrencyConflict = errors.New("stream version conflict")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrEmptyPendingEvents  = errors.New("aggregate has no pending events")
	// ErrNoSnapshot is returned when a stream exists but has no snapshot (i.e.
	// after a restore). Rebuild creates it.
	ErrNoSnapshot = errors.New("stream has no snapshot")
)

// StoredEvent is an event persisted in the event store or received from a
// publisher.
type StoredEvent struct {
	ID             util.ID   `json:"eventId"`
	SequenceNumber int64     `json:"sequenceNumber"` // global event sequence
	StreamType     string    `json:"streamType"`
	StreamID       util.ID   `json:"streamId"`
	Version        int64     `json:"version"` // event version in the stream
	EventType      string    `json:"eventType"`
	CorrelationID  util.ID   `json:"correlationId"` // id of the causing event
	Timestamp      time.Time `json:"creationTime"`
	Data           []byte    `json:"payload"`
}

func (e *StoredEvent) String() string {
	return fmt.Sprintf("ID: %s, SequenceNumber: %d, StreamType: %q, StreamID: %s, Version: %d, EventType: %q, CorrelationID: %s, Timestamp: %q", e.ID, e.SequenceNumber, e.StreamType, e.StreamID, e.Version, e.EventType, e.CorrelationID, e.Timestamp)
}

func (e *StoredEvent) Format(f fmt.State, c rune) {
	f.Write([]byte(e.String()))
	if c == 'v' {
		f.Write([]byte(fmt.Sprintf(", Data: %s", e.Data)))
	}
}

// UnmarshalData decodes the event payload into v.
func (e *StoredEvent) UnmarshalData(v interface{}) error {
	return errors.WithStack(json.Unmarshal(e.Data, v))
}

// Event is a domain event produced by an aggregate. Its json encoding is the
// stored payload.
type Event interface {
	EventType() string
}

// EventSourced is an aggregate whose state is derived from its events.
type EventSourced interface {
	ID() util.ID
	// Version is the stream version including the pending events
	Version() int64
	// PendingEvents are the events not yet persisted, ordered by version
	PendingEvents() []Event
	SaveToMemento() ([]byte, error)
}

// Snapshot is the serialized state of a stream at a version.
type Snapshot struct {
	StreamID   util.ID
	StreamType string
	Version    int64
	Data       []byte
	Timestamp  time.Time
}

// Factory rebuilds an aggregate from its snapshot.
type Factory[T EventSourced] func(s *Snapshot) (T, error)

// Reducer applies an event to a serialized state returning the new state.
// state is nil before the first event.
type Reducer func(state []byte, e *StoredEvent) ([]byte, error)
