package listennotify

import (
	"context"
	"time"

	"github.com/viktorenciso/EventCentric/db"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type PGNotifier struct {
	db *db.DB
	tx *db.Tx
}

func NewPGNotifier(db *db.DB) *PGNotifier {
	return &PGNotifier{db: db}
}

func (l *PGNotifier) BindTx(tx *db.Tx) {
	l.tx = tx
}

// Notify queues a notification inside the bound transaction. Postgres delivers
// it to the listeners only on commit. Without a bound transaction the
// notification is sent in a new one.
func (l *PGNotifier) Notify(channel string, payload string) error {
	notify := func(tx *db.Tx) error {
		return tx.Do(func(tx *db.WrappedTx) error {
			_, err := tx.Exec("select pg_notify($1, $2)", channel, payload)
			return err
		})
	}
	if l.tx != nil {
		return notify(l.tx)
	}
	if l.db == nil {
		return errors.New("nil tx")
	}
	return l.db.Do(context.Background(), notify)
}

type PGNotifierFactory struct {
	db *db.DB
}

func NewPGNotifierFactory(db *db.DB) *PGNotifierFactory {
	return &PGNotifierFactory{db: db}
}

func (lnf *PGNotifierFactory) NewNotifier() Notifier {
	return NewPGNotifier(lnf.db)
}

type PGListener struct {
	listener *pq.Listener
	notify   chan *Notification
	stop     chan struct{}
}

func NewPGListener(connString string) *PGListener {
	minReconn := 10 * time.Second
	maxReconn := time.Minute
	listener := pq.NewListener(connString, minReconn, maxReconn, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Errorf("pg listener event %d: %+v", ev, err)
		}
	})
	stop := make(chan struct{})
	notify := make(chan *Notification, 1000)
	l := &PGListener{listener: listener, notify: notify, stop: stop}

	go func() {
		defer close(notify)
		for {
			select {
			case pn := <-l.listener.Notify:
				// nil is sent after a reconnection, notifications could have
				// been lost
				n := &Notification{}
				if pn != nil {
					n.Channel = pn.Channel
					n.Payload = pn.Extra
				}
				select {
				case notify <- n:
				case <-stop:
					return
				}

			case <-stop:
				return
			}
		}
	}()

	return l
}

func (l *PGListener) NotificationChannel() chan *Notification {
	return l.notify
}

func (l *PGListener) Listen(channel string) error {
	return l.listener.Listen(channel)
}

func (l *PGListener) Ping() error {
	return l.listener.Ping()
}

func (l *PGListener) Close() error {
	close(l.stop)
	return l.listener.Close()
}

type PGListenerFactory struct {
	connString string
}

func NewPGListenerFactory(connString string) *PGListenerFactory {
	return &PGListenerFactory{connString: connString}
}

func (lnf *PGListenerFactory) NewListener() Listener {
	return NewPGListener(lnf.connString)
}
