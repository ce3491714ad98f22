package eventstore

import (
	"context"
	"database/sql"

	"github.com/viktorenciso/EventCentric/db"
	slog "github.com/viktorenciso/EventCentric/log"
	"github.com/viktorenciso/EventCentric/util"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

var log = slog.S()

const (
	eventStoreExclusiveLock = iota
)

var (
	// Use postgresql $ placeholder. It'll be converted to ? from the provided db functions
	sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	eventSelect  = sb.Select("id", "sequencenumber", "streamtype", "streamid", "version", "eventtype", "correlationid", "timestamp", "data").From("events")
	eventInsert  = sb.Insert("events").Columns("id", "streamtype", "streamid", "version", "eventtype", "correlationid", "timestamp", "data")
	streamSelect = sb.Select("streamid", "streamtype", "version", "snapshot", "snapshottimestamp", "globalsequence").From("streams")
	streamUpsert = sb.Insert("streams").Columns("streamid", "streamtype", "version", "snapshot", "snapshottimestamp", "globalsequence")
)

const streamUpsertSuffix = "ON CONFLICT (streamid) DO UPDATE SET streamtype = excluded.streamtype, version = excluded.version, snapshot = excluded.snapshot, snapshottimestamp = excluded.snapshottimestamp, globalsequence = excluded.globalsequence"

// streamRow is a row of the streams table
type streamRow struct {
	StreamID          util.ID
	StreamType        string
	Version           int64
	Snapshot          []byte
	SnapshotTimestamp sql.NullTime
	GlobalSequence    int64
}

func (r *streamRow) snapshot() *Snapshot {
	return &Snapshot{
		StreamID:   r.StreamID,
		StreamType: r.StreamType,
		Version:    r.Version,
		Data:       r.Snapshot,
		Timestamp:  r.SnapshotTimestamp.Time,
	}
}

func scanEvent(rows *sql.Rows) (*StoredEvent, error) {
	e := StoredEvent{}
	var data []byte
	// To make sqlite3 happy
	var eventType, streamType string
	fields := []interface{}{&e.ID, &e.SequenceNumber, &streamType, &e.StreamID, &e.Version, &eventType, &e.CorrelationID, &e.Timestamp, &data}
	if err := rows.Scan(fields...); err != nil {
		return nil, errors.Wrap(err, "error scanning event")
	}
	e.EventType = eventType
	e.StreamType = streamType
	e.Data = data
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*StoredEvent, error) {
	defer rows.Close()
	events := []*StoredEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return events, nil
}

func queryEvents(tx *db.Tx, s sq.SelectBuilder) ([]*StoredEvent, error) {
	q, args, err := s.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	var events []*StoredEvent
	err = tx.Do(func(tx *db.WrappedTx) error {
		rows, err := tx.Query(q, args...)
		if err != nil {
			return errors.WithMessage(err, "failed to execute query")
		}
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// insertEvent inserts the event and sets its assigned sequence number
func insertEvent(tx *db.Tx, e *StoredEvent) error {
	q, args, err := eventInsert.Values(e.ID, e.StreamType, e.StreamID, e.Version, e.EventType, e.CorrelationID, e.Timestamp, e.Data).Suffix("RETURNING sequencenumber").ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build query")
	}

	return tx.Do(func(tx *db.WrappedTx) error {
		if err := tx.QueryRow(q, args...).Scan(&e.SequenceNumber); err != nil {
			if db.IsUniqueViolation(err) {
				return errors.Wrapf(ErrConcurrencyConflict, "stream %s version %d already exists", e.StreamID, e.Version)
			}
			return errors.WithMessage(err, "failed to insert event")
		}
		return nil
	})
}

func getStream(tx *db.Tx, id util.ID) (*streamRow, error) {
	q, args, err := streamSelect.Where(sq.Eq{"streamid": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	var r *streamRow
	err = tx.Do(func(tx *db.WrappedTx) error {
		sr := streamRow{}
		var streamType string
		err := tx.QueryRow(q, args...).Scan(&sr.StreamID, &streamType, &sr.Version, &sr.Snapshot, &sr.SnapshotTimestamp, &sr.GlobalSequence)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.WithMessage(err, "failed to execute query")
		}
		sr.StreamType = streamType
		r = &sr
		return nil
	})
	return r, err
}

func upsertStream(tx *db.Tx, r *streamRow) error {
	q, args, err := streamUpsert.Values(r.StreamID, r.StreamType, r.Version, r.Snapshot, r.SnapshotTimestamp, r.GlobalSequence).Suffix(streamUpsertSuffix).ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build query")
	}
	return tx.Do(func(tx *db.WrappedTx) error {
		_, err := tx.Exec(q, args...)
		return errors.WithMessage(err, "failed to upsert stream")
	})
}

// takeSequenceLock takes the exclusive xact lock on postgres.
// In this way we'll commit ordered (but not gapless) sequence numbers and avoid
// races where a lower sequence number is committed after an higher one
// causing pollers relying on the sequence number to lose these events.
// sqlite transactions are already serialized.
func takeSequenceLock(tx *db.Tx) error {
	if tx.Type() != db.Postgres {
		return nil
	}
	err := tx.Do(func(tx *db.WrappedTx) error {
		_, err := tx.Exec("select pg_advisory_xact_lock($1)", eventStoreExclusiveLock)
		return err
	})
	return errors.Wrap(err, "failed to take exclusive lock")
}

func globalVersion(tx *db.Tx) (int64, error) {
	return maxSequenceNumber(tx, sb.Select("max(sequencenumber)").From("events"))
}

func maxSequenceNumber(tx *db.Tx, s sq.SelectBuilder) (int64, error) {
	q, args, err := s.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build query")
	}
	var v sql.NullInt64
	err = tx.Do(func(tx *db.WrappedTx) error {
		return errors.WithMessage(tx.QueryRow(q, args...).Scan(&v), "failed to execute query")
	})
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

// EventDao gives read access to the persisted events
type EventDao struct {
	db *db.DB
}

func NewEventDao(db *db.DB) *EventDao {
	return &EventDao{db: db}
}

// GlobalVersion returns the highest sequence number in the store, 0 when empty.
func (d *EventDao) GlobalVersion(ctx context.Context) (int64, error) {
	var v int64
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		v, err = globalVersion(tx)
		return err
	})
	return v, err
}

// FindEvents returns at most limit events with a sequence number greater than
// after, ordered by sequence number.
func (d *EventDao) FindEvents(ctx context.Context, after int64, limit uint64) ([]*StoredEvent, error) {
	if limit < 1 {
		return []*StoredEvent{}, nil
	}
	var events []*StoredEvent
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		events, err = queryEvents(tx, eventSelect.Where(sq.Gt{"sequencenumber": after}).OrderBy("sequencenumber ASC").Limit(limit))
		return err
	})
	return events, err
}

// StreamTypeVersion returns the highest sequence number of the events of
// streamType, 0 when there're none.
func (d *EventDao) StreamTypeVersion(ctx context.Context, streamType string) (int64, error) {
	var v int64
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		v, err = maxSequenceNumber(tx, sb.Select("max(sequencenumber)").From("events").Where(sq.Eq{"streamtype": streamType}))
		return err
	})
	return v, err
}

// FindStreamTypeEvents is FindEvents restricted to the events of streamType
func (d *EventDao) FindStreamTypeEvents(ctx context.Context, streamType string, after int64, limit uint64) ([]*StoredEvent, error) {
	if limit < 1 {
		return []*StoredEvent{}, nil
	}
	var events []*StoredEvent
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		events, err = queryEvents(tx, eventSelect.Where(sq.And{sq.Eq{"streamtype": streamType}, sq.Gt{"sequencenumber": after}}).OrderBy("sequencenumber ASC").Limit(limit))
		return err
	})
	return events, err
}

// StreamEvents returns at most limit events of a stream starting from
// fromVersion, ordered by version.
func (d *EventDao) StreamEvents(ctx context.Context, id util.ID, fromVersion int64, limit uint64) ([]*StoredEvent, error) {
	if limit < 1 {
		return []*StoredEvent{}, nil
	}
	var events []*StoredEvent
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		events, err = queryEvents(tx, eventSelect.Where(sq.And{sq.Eq{"streamid": id}, sq.GtOrEq{"version": fromVersion}}).OrderBy("version ASC").Limit(limit))
		return err
	})
	return events, err
}

// LastEvent returns the last event of a stream, nil if the stream is empty.
func (d *EventDao) LastEvent(ctx context.Context, id util.ID) (*StoredEvent, error) {
	var events []*StoredEvent
	err := d.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		events, err = queryEvents(tx, eventSelect.Where(sq.Eq{"streamid": id}).OrderBy("version DESC").Limit(1))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// RestoreEvents writes already existing events (i.e. from a dump) keeping
// their ids, versions and timestamps. The streams are left without a
// snapshot and must be rebuilt.
func (d *EventDao) RestoreEvents(ctx context.Context, events []*StoredEvent) error {
	return d.db.Do(ctx, func(tx *db.Tx) error {
		if err := takeSequenceLock(tx); err != nil {
			return err
		}
		streams := map[util.ID]*streamRow{}
		for _, se := range events {
			e := *se
			if err := insertEvent(tx, &e); err != nil {
				return err
			}
			streams[e.StreamID] = &streamRow{
				StreamID:       e.StreamID,
				StreamType:     e.StreamType,
				Version:        e.Version,
				GlobalSequence: e.SequenceNumber,
			}
		}
		for _, r := range streams {
			if err := upsertStream(tx, r); err != nil {
				return err
			}
		}
		log.Debugf("restored %d events in %d streams", len(events), len(streams))
		return nil
	})
}
