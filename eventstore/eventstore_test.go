package eventstore

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/listennotify"
	"github.com/viktorenciso/EventCentric/util"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

const counterStreamType = "counter"

type counterAdded struct {
	Amount int `json:"amount"`
}

func (e *counterAdded) EventType() string { return "CounterAdded" }

type counterState struct {
	Total int `json:"total"`
}

type counter struct {
	id      util.ID
	version int64
	state   counterState
	pending []Event
}

func newCounter(id util.ID) *counter {
	return &counter{id: id}
}

func counterFactory(s *Snapshot) (*counter, error) {
	c := &counter{id: s.StreamID, version: s.Version}
	if err := json.Unmarshal(s.Data, &c.state); err != nil {
		return nil, err
	}
	return c, nil
}

func counterReducer(state []byte, e *StoredEvent) ([]byte, error) {
	var s counterState
	if state != nil {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, err
		}
	}
	var ev counterAdded
	if err := e.UnmarshalData(&ev); err != nil {
		return nil, err
	}
	s.Total += ev.Amount
	return json.Marshal(s)
}

func (c *counter) Add(amount int) {
	c.version++
	c.state.Total += amount
	c.pending = append(c.pending, &counterAdded{Amount: amount})
}

func (c *counter) ID() util.ID            { return c.id }
func (c *counter) Version() int64         { return c.version }
func (c *counter) PendingEvents() []Event { return c.pending }
func (c *counter) SaveToMemento() ([]byte, error) {
	return json.Marshal(c.state)
}

func newID() util.ID {
	return util.NewFromUUID(uuid.NewV4())
}

func setupDB(t *testing.T) (*db.DB, func()) {
	tmpDir, err := ioutil.TempDir("", "eventstore")
	if err != nil {
		t.Fatalf("ioutil.TempDir(%q, %q) got error %q", "", "", err)
	}

	dbpath := filepath.Join(tmpDir, "db.sqlite")

	d, err := db.NewDB(db.Sqlite3, dbpath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Migrate(context.Background(), "eventstore", Migrations); err != nil {
		d.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("unexpected error: %v", err)
	}
	return d, func() {
		d.Close()
		os.RemoveAll(tmpDir)
	}
}

func newTestStore(d *db.DB) *Store[*counter] {
	ln := listennotify.NewLocalListenNotify()
	return NewStore[*counter](counterStreamType, d, listennotify.NewLocalNotifierFactory(ln), counterFactory,
		WithUIDGenerator[*counter](&common.SequentialUidGenerator{}))
}

func TestSaveMonotonicVersions(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()

	c := newCounter(id)
	c.Add(1)
	c.Add(2)
	c.Add(3)
	seq, err := s.Save(ctx, c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected global sequence %d, got %d", 3, seq)
	}

	c, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 3 || c.state.Total != 6 {
		t.Fatalf("unexpected aggregate: %s", spew.Sdump(c))
	}
	c.Add(4)
	c.Add(5)
	seq, err = s.Save(ctx, c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 5 {
		t.Fatalf("expected global sequence %d, got %d", 5, seq)
	}

	dao := NewEventDao(d)
	events, err := dao.StreamEvents(ctx, id, 1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected %d events, got %d", 5, len(events))
	}
	for i, e := range events {
		if e.Version != int64(i+1) {
			t.Fatalf("expected event version %d, got %d", i+1, e.Version)
		}
		if e.SequenceNumber != int64(i+1) {
			t.Fatalf("expected event sequence number %d, got %d", i+1, e.SequenceNumber)
		}
		if e.StreamType != counterStreamType || e.EventType != "CounterAdded" {
			t.Fatalf("unexpected event: %v", e)
		}
	}

	gv, err := dao.GlobalVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gv != 5 {
		t.Fatalf("expected global version %d, got %d", 5, gv)
	}

	last, err := dao.LastEvent(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || last.Version != 5 {
		t.Fatalf("unexpected last event: %v", last)
	}
	var ev counterAdded
	if err := last.UnmarshalData(&ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Amount != 5 {
		t.Fatalf("expected amount %d, got %d", 5, ev.Amount)
	}

	events, err = dao.FindEvents(ctx, 3, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].SequenceNumber != 4 || events[1].SequenceNumber != 5 {
		t.Fatalf("unexpected events: %s", spew.Sdump(events))
	}
}

func TestSaveEmptyPendingEvents(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()

	s := newTestStore(d)
	c := newCounter(newID())
	if _, err := s.Save(context.Background(), c, nil); err != ErrEmptyPendingEvents {
		t.Fatalf("expected error %v, got %v", ErrEmptyPendingEvents, err)
	}
}

func TestGetNotFound(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()
	if _, err := s.Get(ctx, id); errors.Cause(err) != ErrStreamNotFound {
		t.Fatalf("expected error %v, got %v", ErrStreamNotFound, err)
	}
	_, ok, err := s.Find(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected stream not found")
	}
}

func TestSaveConcurrencyConflict(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()

	c := newCounter(id)
	c.Add(1)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		c, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c.Add(i)
		wg.Add(1)
		go func(i int, c *counter) {
			defer wg.Done()
			_, errs[i] = s.Save(ctx, c, nil)
		}(i, c)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch errors.Cause(err) {
		case nil:
			winners++
		case ErrConcurrencyConflict:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected one successful save, got %d", winners)
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 2 {
		t.Fatalf("expected version %d, got %d", 2, c.Version())
	}
}

func TestConflictMarksCacheStale(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()

	c := newCounter(id)
	c.Add(1)
	c.Add(2)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// an aggregate at version 4 with a single pending event at version 4
	// while the stream is at version 2
	stale := &counter{id: id, version: 3}
	stale.Add(10)
	if _, err := s.Save(ctx, stale, nil); errors.Cause(err) != ErrConcurrencyConflict {
		t.Fatalf("expected error %v, got %v", ErrConcurrencyConflict, err)
	}

	entry, ok := s.Cache().Get(id)
	if !ok {
		t.Fatalf("expected cache entry")
	}
	if !entry.Stale {
		t.Fatalf("expected stale cache entry, got: %s", spew.Sdump(entry))
	}

	events, err := NewEventDao(d).StreamEvents(ctx, id, 1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected %d events, got %d", 2, len(events))
	}

	// the next get reloads the persisted state and refreshes the cache
	c, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 2 || c.state.Total != 3 {
		t.Fatalf("unexpected aggregate: %s", spew.Sdump(c))
	}
	entry, ok = s.Cache().Get(id)
	if !ok || entry.Stale {
		t.Fatalf("expected fresh cache entry, got: %s", spew.Sdump(entry))
	}
}

func TestFailedSaveAfterCacheUpdateMarksCacheStale(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()

	c := newCounter(id)
	c.Add(1)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// make the stream update fail after the events are inserted
	err := d.Do(ctx, func(tx *db.Tx) error {
		return tx.Do(func(tx *db.WrappedTx) error {
			_, err := tx.Exec("create trigger streams_update_fail before update on streams begin select raise(abort, 'boom'); end")
			return err
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Add(5)
	_, err = s.Save(ctx, c, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Cause(err) == ErrConcurrencyConflict {
		t.Fatalf("unexpected concurrency conflict")
	}

	entry, ok := s.Cache().Get(id)
	if !ok {
		t.Fatalf("expected cache entry")
	}
	if !entry.Stale {
		t.Fatalf("expected stale cache entry, got: %s", spew.Sdump(entry))
	}

	// the failed save is not visible
	c, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 1 || c.state.Total != 1 {
		t.Fatalf("unexpected aggregate: %s", spew.Sdump(c))
	}
	events, err := NewEventDao(d).StreamEvents(ctx, id, 1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected %d events, got %d", 1, len(events))
	}
}

func TestGetWithoutCache(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()

	c := newCounter(id)
	c.Add(7)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a new store has an empty cache
	s2 := newTestStore(d)
	c, err := s2.Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 1 || c.state.Total != 7 {
		t.Fatalf("unexpected aggregate: %s", spew.Sdump(c))
	}
	if _, ok := s2.Cache().Get(id); !ok {
		t.Fatalf("expected cache entry")
	}
}

func TestSaveLogsCausingEvent(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	ledger := NewLedger(d, nil)

	causing := &StoredEvent{
		ID:             newID(),
		SequenceNumber: 12,
		StreamType:     "source",
		StreamID:       newID(),
		Version:        1,
		EventType:      "SourceEvent",
	}

	c := newCounter(newID())
	c.Add(1)
	if _, err := s.Save(ctx, c, causing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logged, err := ledger.IsLogged(ctx, causing.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logged {
		t.Fatalf("expected causing event logged in the ledger")
	}

	last, err := NewEventDao(d).LastEvent(ctx, c.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.CorrelationID != causing.ID {
		t.Fatalf("expected correlation id %s, got %s", causing.ID, last.CorrelationID)
	}

	// logging again is a no-op
	if err := ledger.Log(ctx, causing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSaveNotifiesGlobalVersion(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	ln := listennotify.NewLocalListenNotify()
	l := listennotify.NewLocalListenerFactory(ln).NewListener()
	if err := l.Listen(listennotify.EventStoreChannel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	s := NewStore[*counter](counterStreamType, d, listennotify.NewLocalNotifierFactory(ln), counterFactory)
	c := newCounter(newID())
	c.Add(1)
	c.Add(1)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case n := <-l.NotificationChannel():
		streamType, v, err := ParseStoreUpdated(n.Payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if streamType != counterStreamType || v != 2 {
			t.Fatalf("unexpected payload %q", n.Payload)
		}
	default:
		t.Fatalf("expected notification")
	}
}

func TestRestoreAndRebuild(t *testing.T) {
	d1, cleanup1 := setupDB(t)
	defer cleanup1()
	d2, cleanup2 := setupDB(t)
	defer cleanup2()
	ctx := context.Background()

	s1 := newTestStore(d1)
	id := newID()
	c := newCounter(id)
	for i := 1; i <= 150; i++ {
		c.Add(i)
	}
	if _, err := s1.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := NewEventDao(d1).FindEvents(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dao2 := NewEventDao(d2)
	if err := dao2.RestoreEvents(ctx, events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	restored, err := dao2.FindEvents(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(restored) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(restored))
	}
	for i, e := range restored {
		if e.ID != events[i].ID || e.Version != events[i].Version {
			t.Fatalf("expected event %v, got %v", events[i], e)
		}
	}

	s2 := newTestStore(d2)
	if _, err := s2.Get(ctx, id); errors.Cause(err) != ErrNoSnapshot {
		t.Fatalf("expected error %v, got %v", ErrNoSnapshot, err)
	}

	c, err = s2.Rebuild(ctx, id, counterReducer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 150 || c.state.Total != 150*151/2 {
		t.Fatalf("unexpected aggregate: %s", spew.Sdump(c))
	}

	// a new store reads the persisted snapshot
	c, err = newTestStore(d2).Get(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version() != 150 {
		t.Fatalf("expected version %d, got %d", 150, c.Version())
	}
}

func TestDuplicateStreamVersionIsConflict(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	s := newTestStore(d)
	id := newID()
	c := newCounter(id)
	c.Add(1)
	c.Add(2)
	if _, err := s.Save(ctx, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the unique (streamid, version) constraint rejects a second event at
	// version 2 written without the version check
	dup := &StoredEvent{
		ID:         newID(),
		StreamType: counterStreamType,
		StreamID:   id,
		Version:    2,
		EventType:  "CounterAdded",
	}
	err := NewEventDao(d).RestoreEvents(ctx, []*StoredEvent{dup})
	if errors.Cause(err) != ErrConcurrencyConflict {
		t.Fatalf("expected error %v, got %v", ErrConcurrencyConflict, err)
	}
}

func TestParseStoreUpdated(t *testing.T) {
	tests := []struct {
		payload    string
		streamType string
		version    int64
		fail       bool
	}{
		{payload: FormatStoreUpdated("orders", 12), streamType: "orders", version: 12},
		{payload: FormatStoreUpdated("ns:orders", 3), streamType: "ns:orders", version: 3},
		{payload: "12", fail: true},
		{payload: "orders:abc", fail: true},
		{payload: "", fail: true},
	}
	for _, tt := range tests {
		streamType, v, err := ParseStoreUpdated(tt.payload)
		if tt.fail {
			if err == nil {
				t.Fatalf("expected error parsing %q", tt.payload)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if streamType != tt.streamType || v != tt.version {
			t.Fatalf("expected %q %d, got %q %d", tt.streamType, tt.version, streamType, v)
		}
	}
}
