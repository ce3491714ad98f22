package node

import (
	"context"
	"time"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/config"
	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/eventstore"
	ln "github.com/viktorenciso/EventCentric/listennotify"
	"github.com/viktorenciso/EventCentric/lock"
	"github.com/viktorenciso/EventCentric/poller"
	"github.com/viktorenciso/EventCentric/processor"
	"github.com/viktorenciso/EventCentric/publisher"
)

// Runtime holds the shared components of a node built from its
// configuration.
type Runtime struct {
	Config *config.Config

	DB        *db.DB
	LNF       ln.ListenerFactory
	NF        ln.NotifierFactory
	StreamLKF lock.LockFactory
	// ProcessorLKF excludes processors of the same node running in
	// different processes
	ProcessorLKF lock.LockFactory

	TG     common.TimeGenerator
	UIDGen common.UIDGenerator

	Cache  *eventstore.SnapshotCache
	Dao    *eventstore.EventDao
	Ledger *eventstore.Ledger
	Inbox  *eventstore.Inbox

	Publisher *publisher.Publisher
	Buffer    *poller.Buffer
	Poller    *poller.Poller
}

// NewRuntime opens and migrates the database and creates the bus and the
// stores.
func NewRuntime(ctx context.Context, c *config.Config) (*Runtime, error) {
	d, err := db.NewDB(c.DB.Type, c.DB.ConnString)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx, "eventstore", eventstore.Migrations); err != nil {
		d.Close()
		return nil, err
	}

	rt := &Runtime{
		Config:    c,
		DB:        d,
		StreamLKF: lock.NewLocalLockFactory(lock.NewLocalLocks()),
		TG:        common.DefaultTimeGenerator{},
		UIDGen:    &common.DefaultUidGenerator{},
	}

	switch c.DB.Type {
	case db.Postgres:
		rt.LNF = ln.NewPGListenerFactory(c.DB.ConnString)
		rt.NF = ln.NewPGNotifierFactory(d)
		rt.ProcessorLKF = lock.NewPGLockFactory(c.Node.Name, d)
	default:
		lnotify := ln.NewLocalListenNotify()
		rt.LNF = ln.NewLocalListenerFactory(lnotify)
		rt.NF = ln.NewLocalNotifierFactory(lnotify)
		rt.ProcessorLKF = lock.NewLocalLockFactory(lock.NewLocalLocks())
	}

	if c.EventStore.UTCTime {
		rt.TG = common.UTCTimeGenerator{}
	}
	if c.EventStore.SequentialIDs {
		rt.UIDGen = &common.SequentialUidGenerator{}
	}

	rt.Cache = eventstore.NewSnapshotCache(c.EventStore.SnapshotCacheSize, c.EventStore.SnapshotCacheTTL.Duration())
	rt.Dao = eventstore.NewEventDao(d)
	rt.Ledger = eventstore.NewLedger(d, rt.TG)
	rt.Inbox = eventstore.NewInbox(d, rt.TG)

	return rt, nil
}

// NewStore creates the event store of the aggregates of the node stream type
func NewStore[T eventstore.EventSourced](rt *Runtime, factory eventstore.Factory[T]) *eventstore.Store[T] {
	return eventstore.NewStore[T](rt.Config.Node.StreamType, rt.DB, rt.NF, factory,
		eventstore.WithSnapshotCache[T](rt.Cache),
		eventstore.WithLockFactory[T](rt.StreamLKF),
		eventstore.WithTimeGenerator[T](rt.TG),
		eventstore.WithUIDGenerator[T](rt.UIDGen),
	)
}

// NewNode builds the node workers enabled by the node role. The processor is
// created only when h isn't nil.
func (rt *Runtime) NewNode(h processor.Handler) *Node {
	c := rt.Config
	workers := []Worker{}

	if c.Node.Role.Publishes() {
		rt.Publisher = publisher.NewPublisher(publisher.Config{
			StreamType:           c.Node.StreamType,
			PageSize:             c.Publisher.PageSize,
			PollAttemptsMaxCount: c.Publisher.PollAttemptsMaxCount,
			PollInterval:         c.Publisher.PollInterval.Duration(),
		}, rt.Dao, rt.LNF, rt.NF)
		workers = append(workers, rt.Publisher)
	}

	if c.Node.Role.Subscribes() {
		rt.Buffer = poller.NewBuffer(poller.BufferConfig{
			QueueMaxCount:         c.Poller.BufferQueueMaxCount,
			EventsToFlushMaxCount: c.Poller.EventsToFlushMaxCount,
			FlushInterval:         c.Poller.FlushInterval.Duration(),
		}, rt.Inbox, rt.NF)

		subs := []poller.Subscription{}
		for _, s := range c.Poller.Subscriptions {
			subs = append(subs, poller.Subscription{
				StreamType: s.StreamType,
				Client:     poller.NewHTTPClient(s.URL, time.Duration(c.Poller.Timeout)*time.Second),
			})
		}
		rt.Poller = poller.NewPoller(subs, rt.Buffer)
		workers = append(workers, rt.Buffer, rt.Poller)

		if h != nil {
			workers = append(workers, processor.NewProcessor(c.Node.Name, h, rt.Inbox, rt.Ledger, rt.LNF, rt.ProcessorLKF))
		}
	}

	return NewNode(c.Node.Name, rt.LNF, workers...)
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
