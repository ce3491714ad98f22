package eventstore

import (
	"context"
	"database/sql"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/util"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

var (
	inboxInsert  = sb.Insert("inbox").Columns("sourcestreamtype", "sourcesequencenumber", "eventid", "streamid", "version", "eventtype", "correlationid", "timestamp", "data", "receivedat").Suffix("ON CONFLICT (eventid) DO NOTHING")
	inboxSelect  = sb.Select("i.eventid", "i.sourcesequencenumber", "i.sourcestreamtype", "i.streamid", "i.version", "i.eventtype", "i.correlationid", "i.timestamp", "i.data").From("inbox i")
	cursorUpsert = sb.Insert("subscriptioncursor").Columns("sourcestreamtype", "lastreceivedversion", "updatedat").Suffix("ON CONFLICT (sourcestreamtype) DO UPDATE SET lastreceivedversion = excluded.lastreceivedversion, updatedat = excluded.updatedat")
)

// Inbox persists the events received from the publishers together with the
// subscription cursors.
type Inbox struct {
	db *db.DB
	tg common.TimeGenerator
}

func NewInbox(db *db.DB, tg common.TimeGenerator) *Inbox {
	if tg == nil {
		tg = common.DefaultTimeGenerator{}
	}
	return &Inbox{db: db, tg: tg}
}

// Commit atomically stores the events and moves the cursor of streamType to
// lastReceivedVersion. Already received events are ignored.
func (in *Inbox) Commit(ctx context.Context, streamType string, events []*StoredEvent, lastReceivedVersion int64) error {
	now := in.tg.Now()
	return in.db.Do(ctx, func(tx *db.Tx) error {
		for _, e := range events {
			q, args, err := inboxInsert.Values(streamType, e.SequenceNumber, e.ID, e.StreamID, e.Version, e.EventType, e.CorrelationID, e.Timestamp, e.Data, now).ToSql()
			if err != nil {
				return errors.Wrap(err, "failed to build query")
			}
			err = tx.Do(func(tx *db.WrappedTx) error {
				_, err := tx.Exec(q, args...)
				return errors.WithMessage(err, "failed to insert inbox event")
			})
			if err != nil {
				return err
			}
		}

		q, args, err := cursorUpsert.Values(streamType, lastReceivedVersion, now).ToSql()
		if err != nil {
			return errors.Wrap(err, "failed to build query")
		}
		return tx.Do(func(tx *db.WrappedTx) error {
			_, err := tx.Exec(q, args...)
			return errors.WithMessage(err, "failed to update subscription cursor")
		})
	})
}

// Cursor returns the last committed received version of streamType, 0 if
// nothing was received yet.
func (in *Inbox) Cursor(ctx context.Context, streamType string) (int64, error) {
	q, args, err := sb.Select("lastreceivedversion").From("subscriptioncursor").Where(sq.Eq{"sourcestreamtype": streamType}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build query")
	}
	var v int64
	err = in.db.Do(ctx, func(tx *db.Tx) error {
		return tx.Do(func(tx *db.WrappedTx) error {
			err := tx.QueryRow(q, args...).Scan(&v)
			if err == sql.ErrNoRows {
				return nil
			}
			return errors.WithMessage(err, "failed to execute query")
		})
	})
	return v, err
}

// StreamVersion returns the highest received version of a source stream, 0
// if nothing was received yet.
func (in *Inbox) StreamVersion(ctx context.Context, streamType string, streamID util.ID) (int64, error) {
	q, args, err := sb.Select("max(version)").From("inbox").Where(sq.Eq{"sourcestreamtype": streamType, "streamid": streamID}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build query")
	}
	var v sql.NullInt64
	err = in.db.Do(ctx, func(tx *db.Tx) error {
		return tx.Do(func(tx *db.WrappedTx) error {
			return errors.WithMessage(tx.QueryRow(q, args...).Scan(&v), "failed to execute query")
		})
	})
	return v.Int64, err
}

// Pending returns at most limit received events not yet logged in the
// subscription ledger, in arrival order. The event SequenceNumber is the one
// assigned by the source store.
func (in *Inbox) Pending(ctx context.Context, limit uint64) ([]*StoredEvent, error) {
	s := inboxSelect.
		Where("not exists (select 1 from subscriptionledger l where l.eventid = i.eventid)").
		OrderBy("i.sequencenumber ASC").
		Limit(limit)
	var events []*StoredEvent
	err := in.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		events, err = queryEvents(tx, s)
		return err
	})
	return events, err
}
