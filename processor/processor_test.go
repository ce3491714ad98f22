package processor

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/eventstore"
	ln "github.com/viktorenciso/EventCentric/listennotify"
	"github.com/viktorenciso/EventCentric/lock"
	"github.com/viktorenciso/EventCentric/util"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

func setupDB(t *testing.T) (*db.DB, func()) {
	tmpDir, err := ioutil.TempDir("", "processor")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := db.NewDB(db.Sqlite3, filepath.Join(tmpDir, "db.sqlite"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Migrate(context.Background(), "eventstore", eventstore.Migrations); err != nil {
		d.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("unexpected error: %v", err)
	}
	return d, func() {
		d.Close()
		os.RemoveAll(tmpDir)
	}
}

func testEvents(from, n int) []*eventstore.StoredEvent {
	streamID := util.NewFromUUID(uuid.NewV4())
	events := []*eventstore.StoredEvent{}
	for i := from; i < from+n; i++ {
		events = append(events, &eventstore.StoredEvent{
			ID:             util.NewFromUUID(uuid.NewV4()),
			SequenceNumber: int64(i),
			StreamType:     "orders",
			StreamID:       streamID,
			Version:        int64(i),
			EventType:      "OrderPlaced",
			Timestamp:      time.Now(),
		})
	}
	return events
}

type recorder struct {
	m      sync.Mutex
	seen   []int64
	failAt int64
}

func (r *recorder) Handle(ctx context.Context, e *eventstore.StoredEvent) error {
	r.m.Lock()
	defer r.m.Unlock()
	if e.SequenceNumber == r.failAt {
		r.failAt = 0
		return errors.New("handler failure")
	}
	r.seen = append(r.seen, e.SequenceNumber)
	return nil
}

func (r *recorder) handled() []int64 {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]int64{}, r.seen...)
}

func newTestProcessor(d *db.DB, h Handler, lnotify *ln.LocalListenNotify) *Processor {
	p := NewProcessor("test", h, eventstore.NewInbox(d, nil), eventstore.NewLedger(d, nil), ln.NewLocalListenerFactory(lnotify), lock.NewLocalLockFactory(lock.NewLocalLocks()))
	p.batchSize = 4
	return p
}

func TestHandleEvents(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	in := eventstore.NewInbox(d, nil)
	if err := in.Commit(ctx, "orders", testEvents(1, 10), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := &recorder{failAt: 6}
	p := newTestProcessor(d, r, ln.NewLocalListenNotify())

	if err := p.HandleEvents(ctx); err == nil {
		t.Fatalf("expected handler error")
	}
	if h := r.handled(); len(h) != 5 {
		t.Fatalf("expected %d handled events, got %v", 5, h)
	}

	// the failed event is retried and the handled ones are skipped
	if err := p.HandleEvents(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := r.handled()
	if len(h) != 10 {
		t.Fatalf("expected %d handled events, got %v", 10, h)
	}
	for i, seq := range h {
		if seq != int64(i+1) {
			t.Fatalf("expected event %d, got %d", i+1, seq)
		}
	}

	// nothing left
	if err := p.HandleEvents(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h := r.handled(); len(h) != 10 {
		t.Fatalf("expected %d handled events, got %v", 10, h)
	}
}

func TestProcessorWakesOnInboxNotification(t *testing.T) {
	d, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	lnotify := ln.NewLocalListenNotify()
	r := &recorder{}
	p := newTestProcessor(d, r, lnotify)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Stop()

	in := eventstore.NewInbox(d, nil)
	if err := in.Commit(ctx, "orders", testEvents(1, 3), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ln.NewLocalNotifierFactory(lnotify).NewNotifier().Notify(ln.InboxChannel, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(r.handled()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h := r.handled(); len(h) != 3 {
		t.Fatalf("expected %d handled events, got %v", 3, h)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
