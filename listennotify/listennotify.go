package listennotify

import "github.com/viktorenciso/EventCentric/db"

type Type int

const (
	Local Type = iota
	Postgres
)

// Bus channels
const (
	// EventStoreChannel payload is the stream type and the new global version
	// of the event store
	EventStoreChannel = "eventstore"
	// PublisherChannel payload is the publisher state change (started, stopped)
	PublisherChannel = "publisher"
	// InboxChannel is notified when new replicated events are committed in the inbox
	InboxChannel = "inbox"
	// FatalChannel payload is "worker: error message"
	FatalChannel = "fatal"
)

type Notification struct {
	Channel string
	Payload string
}

type Notifier interface {
	Notify(channel string, payload string) error
}

// TxNotifier is a Notifier whose notifications are delivered only if the bound
// transaction commits.
type TxNotifier interface {
	Notifier
	BindTx(tx *db.Tx)
}

type NotifierFactory interface {
	NewNotifier() Notifier
}

type Listener interface {
	NotificationChannel() chan *Notification
	Close() error
	Listen(channel string) error
	Ping() error
}

type ListenerFactory interface {
	NewListener() Listener
}
