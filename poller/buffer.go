package poller

import (
	"context"
	"sync"
	"time"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/eventstore"
	"github.com/viktorenciso/EventCentric/listennotify"
	slog "github.com/viktorenciso/EventCentric/log"
	"github.com/viktorenciso/EventCentric/metrics"
	"github.com/viktorenciso/EventCentric/util"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

var log = slog.Named("poller")

const (
	DefaultBufferQueueMaxCount   = 1000
	DefaultEventsToFlushMaxCount = 100
	DefaultFlushInterval         = time.Second

	// committed stream versions kept in memory per source stream type
	streamVersionsCacheSize = 10000
)

// Sink durably stores the received events together with the subscription
// cursor
type Sink interface {
	Commit(ctx context.Context, streamType string, events []*eventstore.StoredEvent, lastReceivedVersion int64) error
	Cursor(ctx context.Context, streamType string) (int64, error)
	// StreamVersion returns the last committed version of a source stream, 0
	// when none
	StreamVersion(ctx context.Context, streamType string, streamID util.ID) (int64, error)
}

type BufferConfig struct {
	QueueMaxCount         int
	EventsToFlushMaxCount int
	FlushInterval         time.Duration
}

// queue holds the received and not yet committed events of a source stream
// type
type queue struct {
	m sync.Mutex

	loaded    bool
	committed int64
	last      int64
	events    []*eventstore.StoredEvent
	// last queued version of every stream
	versions map[util.ID]int64
	// last committed version of the recently seen streams
	committedVersions *lru.Cache[util.ID, int64]
	oldest            time.Time
}

func (q *queue) cursor() int64 {
	if q.last > q.committed {
		return q.last
	}
	return q.committed
}

func (q *queue) reset() {
	q.events = nil
	q.versions = map[util.ID]int64{}
	q.last = q.committed
	q.oldest = time.Time{}
}

// Buffer queues the events received by the poller and flushes them to the
// sink in batches. A flush commits the events and the cursor atomically so
// every event is stored exactly once.
type Buffer struct {
	cfg  BufferConfig
	sink Sink
	nf   listennotify.NotifierFactory
	tg   common.TimeGenerator

	m      sync.Mutex
	queues map[string]*queue

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewBuffer(cfg BufferConfig, sink Sink, nf listennotify.NotifierFactory) *Buffer {
	if cfg.QueueMaxCount <= 0 {
		cfg.QueueMaxCount = DefaultBufferQueueMaxCount
	}
	if cfg.EventsToFlushMaxCount <= 0 {
		cfg.EventsToFlushMaxCount = DefaultEventsToFlushMaxCount
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Buffer{
		cfg:    cfg,
		sink:   sink,
		nf:     nf,
		tg:     common.DefaultTimeGenerator{},
		queues: map[string]*queue{},
	}
}

func (b *Buffer) Name() string {
	return "buffer"
}

func (b *Buffer) queue(streamType string) *queue {
	b.m.Lock()
	defer b.m.Unlock()
	q, ok := b.queues[streamType]
	if !ok {
		// only fails with a non positive size
		cv, _ := lru.New[util.ID, int64](streamVersionsCacheSize)
		q = &queue{versions: map[util.ID]int64{}, committedVersions: cv}
		b.queues[streamType] = q
	}
	return q
}

// load reads the committed cursor on first use. Must be called with q.m held.
func (b *Buffer) load(ctx context.Context, streamType string, q *queue) error {
	if q.loaded {
		return nil
	}
	v, err := b.sink.Cursor(ctx, streamType)
	if err != nil {
		return errors.WithMessage(err, "failed to load subscription cursor")
	}
	q.committed = v
	q.last = v
	q.loaded = true
	metrics.SubscriptionCursor.WithLabelValues(streamType).Set(float64(v))
	return nil
}

// streamVersion returns the last queued or committed version of a stream.
// Must be called with q.m held.
func (b *Buffer) streamVersion(ctx context.Context, streamType string, q *queue, streamID util.ID) (int64, error) {
	if v, ok := q.versions[streamID]; ok {
		return v, nil
	}
	if v, ok := q.committedVersions.Get(streamID); ok {
		return v, nil
	}
	v, err := b.sink.StreamVersion(ctx, streamType, streamID)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to load stream version")
	}
	q.committedVersions.Add(streamID, v)
	return v, nil
}

// Cursor returns the version to poll from: the last queued or committed
// event sequence number.
func (b *Buffer) Cursor(ctx context.Context, streamType string) (int64, error) {
	q := b.queue(streamType)
	q.m.Lock()
	defer q.m.Unlock()
	if err := b.load(ctx, streamType, q); err != nil {
		return 0, err
	}
	return q.cursor(), nil
}

// Committed returns the last committed cursor of streamType
func (b *Buffer) Committed(ctx context.Context, streamType string) (int64, error) {
	q := b.queue(streamType)
	q.m.Lock()
	defer q.m.Unlock()
	if err := b.load(ctx, streamType, q); err != nil {
		return 0, err
	}
	return q.committed, nil
}

// Queued returns the number of queued events of streamType
func (b *Buffer) Queued(streamType string) int {
	q := b.queue(streamType)
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.events)
}

// Enqueue adds the events polled since sinceVersion. Events already queued or
// committed are dropped. Events not following the last queued or committed
// version of their stream are skipped but the cursor moves past them. When the queue was
// discarded after the poll started (sinceVersion is beyond the cursor) the
// whole batch is dropped since it doesn't follow the queued events; it'll be
// polled again.
// hasNewEvents false means that the publisher has nothing more to send and
// triggers a flush.
func (b *Buffer) Enqueue(ctx context.Context, streamType string, sinceVersion int64, events []*eventstore.StoredEvent, hasNewEvents bool) error {
	q := b.queue(streamType)
	q.m.Lock()
	defer q.m.Unlock()

	if err := b.load(ctx, streamType, q); err != nil {
		return err
	}

	if sinceVersion > q.cursor() {
		log.Debugf("%s: dropping %d events polled since %d, cursor is %d", streamType, len(events), sinceVersion, q.cursor())
		return nil
	}

	for _, e := range events {
		if e.SequenceNumber <= q.cursor() {
			continue
		}
		v, err := b.streamVersion(ctx, streamType, q, e.StreamID)
		if err != nil {
			return err
		}
		if e.Version <= v {
			log.Warnf("%s: dropping event %s: stream %s version %d not after %d", streamType, e.ID, e.StreamID, e.Version, v)
			q.last = e.SequenceNumber
			continue
		}
		if len(q.events) == 0 {
			q.oldest = b.tg.Now()
		}
		q.events = append(q.events, e)
		q.versions[e.StreamID] = e.Version
		q.last = e.SequenceNumber
	}
	metrics.BufferQueued.WithLabelValues(streamType).Set(float64(len(q.events)))

	if len(q.events) == 0 && q.last == q.committed {
		return nil
	}

	if len(q.events) >= b.cfg.EventsToFlushMaxCount ||
		len(q.events) >= b.cfg.QueueMaxCount ||
		!hasNewEvents ||
		b.tg.Now().Sub(q.oldest) >= b.cfg.FlushInterval {
		return b.flush(ctx, streamType, q)
	}
	return nil
}

// Flush commits the queued events of streamType
func (b *Buffer) Flush(ctx context.Context, streamType string) error {
	q := b.queue(streamType)
	q.m.Lock()
	defer q.m.Unlock()
	if !q.loaded || q.last == q.committed {
		return nil
	}
	return b.flush(ctx, streamType, q)
}

// flush must be called with q.m held. On failure the queued events are
// discarded and the cursor goes back to the committed one so they will be
// polled again.
func (b *Buffer) flush(ctx context.Context, streamType string, q *queue) error {
	events := q.events
	last := q.last
	if err := b.sink.Commit(ctx, streamType, events, last); err != nil {
		metrics.BufferFlushes.WithLabelValues(streamType, "error").Inc()
		q.reset()
		metrics.BufferQueued.WithLabelValues(streamType).Set(0)
		return errors.WithMessage(err, "failed to flush events")
	}
	metrics.BufferFlushes.WithLabelValues(streamType, "ok").Inc()
	q.committed = last
	for id, v := range q.versions {
		q.committedVersions.Add(id, v)
	}
	q.reset()
	metrics.BufferQueued.WithLabelValues(streamType).Set(0)
	metrics.SubscriptionCursor.WithLabelValues(streamType).Set(float64(last))
	log.Debugf("%s: flushed %d events, cursor %d", streamType, len(events), last)

	if len(events) > 0 {
		if err := b.nf.NewNotifier().Notify(listennotify.InboxChannel, streamType); err != nil {
			log.Errorf("failed to notify inbox: %+v", err)
		}
	}
	return nil
}

func (b *Buffer) flushAll(ctx context.Context) {
	b.m.Lock()
	streamTypes := make([]string, 0, len(b.queues))
	for st := range b.queues {
		streamTypes = append(streamTypes, st)
	}
	b.m.Unlock()

	for _, st := range streamTypes {
		q := b.queue(st)
		q.m.Lock()
		if q.loaded && q.last != q.committed && b.tg.Now().Sub(q.oldest) >= b.cfg.FlushInterval {
			if err := b.flush(ctx, st, q); err != nil {
				log.Errorf("%s: %+v", st, err)
			}
		}
		q.m.Unlock()
	}
}

// Start runs the periodic flush of the queues older than FlushInterval
func (b *Buffer) Start(ctx context.Context) error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.stopCh != nil {
		return errors.New("buffer already started")
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go func(stopCh, doneCh chan struct{}) {
		defer close(doneCh)
		t := time.NewTicker(b.cfg.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				b.flushAll(context.Background())
			}
		}
	}(b.stopCh, b.doneCh)
	return nil
}

// Stop ends the periodic flush and flushes the remaining events
func (b *Buffer) Stop() error {
	b.m.Lock()
	stopCh, doneCh := b.stopCh, b.doneCh
	b.stopCh, b.doneCh = nil, nil
	b.m.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-doneCh

	b.m.Lock()
	streamTypes := make([]string, 0, len(b.queues))
	for st := range b.queues {
		streamTypes = append(streamTypes, st)
	}
	b.m.Unlock()

	var ferr error
	for _, st := range streamTypes {
		if err := b.Flush(context.Background(), st); err != nil {
			log.Errorf("%s: %+v", st, err)
			ferr = err
		}
	}
	return ferr
}
