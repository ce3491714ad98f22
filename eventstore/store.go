package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/listennotify"
	"github.com/viktorenciso/EventCentric/lock"
	"github.com/viktorenciso/EventCentric/metrics"
	"github.com/viktorenciso/EventCentric/util"

	"github.com/pkg/errors"
)

// Store persists the aggregates of a stream type as events plus a snapshot of
// their latest state.
type Store[T EventSourced] struct {
	streamType string
	db         *db.DB
	factory    Factory[T]
	cache      *SnapshotCache
	lf         lock.LockFactory
	nf         listennotify.NotifierFactory
	tg         common.TimeGenerator
	uidgen     common.UIDGenerator
}

type StoreOption[T EventSourced] func(s *Store[T])

func WithTimeGenerator[T EventSourced](tg common.TimeGenerator) StoreOption[T] {
	return func(s *Store[T]) { s.tg = tg }
}

func WithUIDGenerator[T EventSourced](uidgen common.UIDGenerator) StoreOption[T] {
	return func(s *Store[T]) { s.uidgen = uidgen }
}

func WithSnapshotCache[T EventSourced](c *SnapshotCache) StoreOption[T] {
	return func(s *Store[T]) { s.cache = c }
}

func WithLockFactory[T EventSourced](lf lock.LockFactory) StoreOption[T] {
	return func(s *Store[T]) { s.lf = lf }
}

func NewStore[T EventSourced](streamType string, db *db.DB, nf listennotify.NotifierFactory, factory Factory[T], opts ...StoreOption[T]) *Store[T] {
	s := &Store[T]{
		streamType: streamType,
		db:         db,
		factory:    factory,
		nf:         nf,
		tg:         common.DefaultTimeGenerator{},
		uidgen:     &common.DefaultUidGenerator{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = NewSnapshotCache(DefaultSnapshotCacheSize, DefaultSnapshotCacheTTL)
	}
	if s.lf == nil {
		s.lf = lock.NewLocalLockFactory(lock.NewLocalLocks())
	}
	return s
}

func (s *Store[T]) StreamType() string {
	return s.streamType
}

func (s *Store[T]) Cache() *SnapshotCache {
	return s.cache
}

// Get rebuilds the aggregate from its latest snapshot. Events are never
// replayed.
func (s *Store[T]) Get(ctx context.Context, id util.ID) (T, error) {
	var zero T

	entry, ok := s.cache.Get(id)
	if ok && !entry.Stale {
		metrics.SnapshotCacheHits.WithLabelValues(s.streamType).Inc()
		return s.factory(entry.Snapshot)
	}
	if !ok {
		entry = nil
	}

	var r *streamRow
	err := s.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		r, err = getStream(tx, id)
		return err
	})
	if err != nil {
		return zero, err
	}
	if r == nil {
		return zero, errors.Wrapf(ErrStreamNotFound, "stream %s", id)
	}
	if r.Snapshot == nil {
		return zero, errors.Wrapf(ErrNoSnapshot, "stream %s", id)
	}

	snapshot := r.snapshot()
	// a concurrent save could have already replaced the entry with a newer one
	s.cache.CompareAndSwap(id, entry, freshEntry(snapshot, s.tg.Now()))

	return s.factory(snapshot)
}

// Find is like Get but reports a missing stream with false instead of an
// error.
func (s *Store[T]) Find(ctx context.Context, id util.ID) (T, bool, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		var zero T
		if errors.Cause(err) == ErrStreamNotFound {
			return zero, false, nil
		}
		return zero, false, err
	}
	return a, true, nil
}

// Save appends the aggregate pending events to its stream and logs the
// causing event, if any, in the subscription ledger. It returns the global
// version of the last appended event.
func (s *Store[T]) Save(ctx context.Context, a T, causingEvent *StoredEvent) (int64, error) {
	pending := a.PendingEvents()
	if len(pending) == 0 {
		return 0, ErrEmptyPendingEvents
	}

	id := a.ID()
	firstVersion := a.Version() - int64(len(pending)) + 1

	l := s.lf.NewLock("stream-" + id.String())
	if err := l.Lock(); err != nil {
		return 0, errors.Wrap(err, "failed to lock stream")
	}
	defer l.Unlock()

	correlationID := util.NilID
	if causingEvent != nil {
		correlationID = causingEvent.ID
	}

	now := s.tg.Now()
	events := make([]*StoredEvent, len(pending))
	for i, pe := range pending {
		data, err := json.Marshal(pe)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to marshal event %s", pe.EventType())
		}
		events[i] = &StoredEvent{
			ID:            s.uidgen.UUID(""),
			StreamType:    s.streamType,
			StreamID:      id,
			Version:       firstVersion + int64(i),
			EventType:     pe.EventType(),
			CorrelationID: correlationID,
			Timestamp:     now,
			Data:          data,
		}
	}

	memento, err := a.SaveToMemento()
	if err != nil {
		return 0, errors.Wrap(err, "failed to save aggregate memento")
	}

	var globalSequence int64
	var notifier listennotify.Notifier

	err = s.db.Do(ctx, func(tx *db.Tx) error {
		r, err := getStream(tx, id)
		if err != nil {
			return err
		}
		var curVersion int64
		if r != nil {
			curVersion = r.Version
			if r.StreamType != s.streamType {
				return errors.Errorf("stream %s has type %q, expected %q", id, r.StreamType, s.streamType)
			}
		}
		if firstVersion != curVersion+1 {
			return errors.Wrapf(ErrConcurrencyConflict, "stream %s current version %d, first pending version %d", id, curVersion, firstVersion)
		}

		if err := takeSequenceLock(tx); err != nil {
			return err
		}
		for _, e := range events {
			if err := insertEvent(tx, e); err != nil {
				return err
			}
		}
		globalSequence = events[len(events)-1].SequenceNumber

		if causingEvent != nil {
			if err := logEvent(tx, causingEvent, now); err != nil {
				return err
			}
		}

		snapshot := &Snapshot{
			StreamID:   id,
			StreamType: s.streamType,
			Version:    a.Version(),
			Data:       memento,
			Timestamp:  now,
		}
		// optimistic update, demoted to stale if the commit fails
		s.cache.Set(id, freshEntry(snapshot, now))

		if err := upsertStream(tx, &streamRow{
			StreamID:          id,
			StreamType:        s.streamType,
			Version:           snapshot.Version,
			Snapshot:          memento,
			SnapshotTimestamp: sql.NullTime{Time: now, Valid: true},
			GlobalSequence:    globalSequence,
		}); err != nil {
			return err
		}

		notifier = s.nf.NewNotifier()
		if txn, ok := notifier.(listennotify.TxNotifier); ok {
			txn.BindTx(tx)
			if err := txn.Notify(listennotify.EventStoreChannel, FormatStoreUpdated(s.streamType, globalSequence)); err != nil {
				return errors.Wrap(err, "failed to notify")
			}
			notifier = nil
		}
		return nil
	})
	if err != nil {
		s.cache.MarkStale(id)
		if errors.Cause(err) == ErrConcurrencyConflict {
			metrics.ConcurrencyConflicts.WithLabelValues(s.streamType).Inc()
		}
		log.Debugf("save of stream %s failed: %v", id, err)
		return 0, err
	}

	// not transactional notifiers are notified after the commit
	if notifier != nil {
		if err := notifier.Notify(listennotify.EventStoreChannel, FormatStoreUpdated(s.streamType, globalSequence)); err != nil {
			log.Errorf("failed to notify new global version %d: %+v", globalSequence, err)
		}
	}

	metrics.EventsAppended.WithLabelValues(s.streamType).Add(float64(len(events)))
	return globalSequence, nil
}

// Rebuild replays all the events of a stream through reducer and persists the
// resulting snapshot. It's used to bootstrap streams without a snapshot.
func (s *Store[T]) Rebuild(ctx context.Context, id util.ID, reducer Reducer) (T, error) {
	var zero T

	l := s.lf.NewLock("stream-" + id.String())
	if err := l.Lock(); err != nil {
		return zero, errors.Wrap(err, "failed to lock stream")
	}
	defer l.Unlock()

	const pageSize = 100
	var (
		state   []byte
		last    *StoredEvent
		version int64 = 1
	)
	dao := NewEventDao(s.db)
	for {
		events, err := dao.StreamEvents(ctx, id, version, pageSize)
		if err != nil {
			return zero, err
		}
		for _, e := range events {
			state, err = reducer(state, e)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to apply event %s", e.ID)
			}
			last = e
			version = e.Version + 1
		}
		if len(events) < pageSize {
			break
		}
	}
	if last == nil {
		return zero, errors.Wrapf(ErrStreamNotFound, "stream %s", id)
	}

	now := s.tg.Now()
	snapshot := &Snapshot{
		StreamID:   id,
		StreamType: last.StreamType,
		Version:    last.Version,
		Data:       state,
		Timestamp:  now,
	}
	err := s.db.Do(ctx, func(tx *db.Tx) error {
		return upsertStream(tx, &streamRow{
			StreamID:          id,
			StreamType:        last.StreamType,
			Version:           last.Version,
			Snapshot:          state,
			SnapshotTimestamp: sql.NullTime{Time: now, Valid: true},
			GlobalSequence:    last.SequenceNumber,
		})
	})
	if err != nil {
		s.cache.MarkStale(id)
		return zero, err
	}
	s.cache.Set(id, freshEntry(snapshot, now))

	return s.factory(snapshot)
}
