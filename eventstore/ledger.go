package eventstore

import (
	"context"
	"time"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/util"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

var ledgerInsert = sb.Insert("subscriptionledger").Columns("sourcestreamtype", "streamid", "eventid", "deliveredat").Suffix("ON CONFLICT (eventid) DO NOTHING")

func logEvent(tx *db.Tx, e *StoredEvent, now time.Time) error {
	q, args, err := ledgerInsert.Values(e.StreamType, e.StreamID, e.ID, now).ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build query")
	}
	return tx.Do(func(tx *db.WrappedTx) error {
		_, err := tx.Exec(q, args...)
		return errors.WithMessage(err, "failed to log event in subscription ledger")
	})
}

func isLogged(tx *db.Tx, eventID util.ID) (bool, error) {
	q, args, err := sb.Select("count(*)").From("subscriptionledger").Where(sq.Eq{"eventid": eventID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "failed to build query")
	}
	var n int
	err = tx.Do(func(tx *db.WrappedTx) error {
		return errors.WithMessage(tx.QueryRow(q, args...).Scan(&n), "failed to execute query")
	})
	return n > 0, err
}

// Ledger is the log of the received events already handled by this node.
type Ledger struct {
	db *db.DB
	tg common.TimeGenerator
}

func NewLedger(db *db.DB, tg common.TimeGenerator) *Ledger {
	if tg == nil {
		tg = common.DefaultTimeGenerator{}
	}
	return &Ledger{db: db, tg: tg}
}

// Log marks the event as handled. Logging an already logged event is a no-op.
// It's used by handlers that don't produce events; Store.Save logs the causing
// event in the same transaction of the append.
func (l *Ledger) Log(ctx context.Context, e *StoredEvent) error {
	return l.db.Do(ctx, func(tx *db.Tx) error {
		return logEvent(tx, e, l.tg.Now())
	})
}

func (l *Ledger) IsLogged(ctx context.Context, eventID util.ID) (bool, error) {
	var logged bool
	err := l.db.Do(ctx, func(tx *db.Tx) error {
		var err error
		logged, err = isLogged(tx, eventID)
		return err
	})
	return logged, err
}
