package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func testEvents(streamType string, from, n int) []*StoredEvent {
	streamID := newID()
	events := []*StoredEvent{}
	for i := from; i < from+n; i++ {
		events = append(events, &StoredEvent{
			ID:             newID(),
			SequenceNumber: int64(i),
			StreamType:     streamType,
			StreamID:       streamID,
			Version:        int64(i),
			EventType:      "SourceEvent",
			CorrelationID:  newID(),
			Timestamp:      time.Now(),
			Data:           []byte(`{}`),
		})
	}
	return events
}

func TestInboxCommit(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	in := NewInbox(d, nil)

	v, err := in.Cursor(ctx, "source")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected cursor %d, got %d", 0, v)
	}

	events := testEvents("source", 1, 5)
	if err := in.Commit(ctx, "source", events, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// replaying the same events is a no-op
	if err := in.Commit(ctx, "source", events[2:], 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, err = in.Cursor(ctx, "source")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected cursor %d, got %d", 5, v)
	}

	pending, err := in.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected %d pending events, got %d: %s", 5, len(pending), spew.Sdump(pending))
	}
	for i, e := range pending {
		if e.ID != events[i].ID || e.SequenceNumber != events[i].SequenceNumber || e.StreamType != "source" {
			t.Fatalf("expected event %v, got %v", events[i], e)
		}
	}

	// logged events are not pending anymore
	ledger := NewLedger(d, nil)
	for _, e := range pending[:3] {
		if err := ledger.Log(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	pending, err = in.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != events[3].ID {
		t.Fatalf("unexpected pending events: %s", spew.Sdump(pending))
	}
}

func TestInboxCursorsPerStreamType(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	in := NewInbox(d, nil)
	if err := in.Commit(ctx, "a", testEvents("a", 1, 3), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := in.Commit(ctx, "b", testEvents("b", 1, 7), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// an empty commit only moves the cursor
	if err := in.Commit(ctx, "a", nil, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for st, expected := range map[string]int64{"a": 4, "b": 7, "c": 0} {
		v, err := in.Cursor(ctx, st)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != expected {
			t.Fatalf("expected cursor %d for %q, got %d", expected, st, v)
		}
	}
}

func TestInboxStreamVersion(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	in := NewInbox(d, nil)
	events := testEvents("a", 1, 3)
	if err := in.Commit(ctx, "a", events, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, err := in.StreamVersion(ctx, "a", events[0].StreamID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version %d, got %d", 3, v)
	}
	// same stream id from another source stream type
	v, err = in.StreamVersion(ctx, "b", events[0].StreamID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version %d, got %d", 0, v)
	}
}
