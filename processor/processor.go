package processor

import (
	"context"
	"sync"
	"time"

	"github.com/viktorenciso/EventCentric/eventstore"
	ln "github.com/viktorenciso/EventCentric/listennotify"
	"github.com/viktorenciso/EventCentric/lock"
	slog "github.com/viktorenciso/EventCentric/log"
	"github.com/viktorenciso/EventCentric/metrics"

	"github.com/pkg/errors"
)

var log = slog.Named("processor")

const (
	defaultBatchSize = 100
	wakeInterval     = 10 * time.Second
)

// Handler handles a received event. A handler producing events saves them
// with Store.Save passing the event as the causing one.
type Handler interface {
	Handle(ctx context.Context, e *eventstore.StoredEvent) error
}

type HandlerFunc func(ctx context.Context, e *eventstore.StoredEvent) error

func (f HandlerFunc) Handle(ctx context.Context, e *eventstore.StoredEvent) error {
	return f(ctx, e)
}

// Inbox returns the received events not yet handled
type Inbox interface {
	Pending(ctx context.Context, limit uint64) ([]*eventstore.StoredEvent, error)
}

// Ledger logs the handled events
type Ledger interface {
	Log(ctx context.Context, e *eventstore.StoredEvent) error
}

// Processor hands the inbox events, in arrival order, to the handler.
type Processor struct {
	name      string
	h         Handler
	inbox     Inbox
	ledger    Ledger
	lnf       ln.ListenerFactory
	lkf       lock.LockFactory
	batchSize uint64

	m      sync.Mutex
	cancel context.CancelFunc
	endCh  chan struct{}
}

func NewProcessor(name string, h Handler, inbox Inbox, ledger Ledger, lnf ln.ListenerFactory, lkf lock.LockFactory) *Processor {
	return &Processor{
		name:      name,
		h:         h,
		inbox:     inbox,
		ledger:    ledger,
		lnf:       lnf,
		lkf:       lkf,
		batchSize: defaultBatchSize,
	}
}

func (p *Processor) Name() string {
	return "processor"
}

// HandleEvents handles all the pending events. It stops at the first handler
// error.
func (p *Processor) HandleEvents(ctx context.Context) error {
	for {
		events, err := p.inbox.Pending(ctx, p.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := p.h.Handle(ctx, e); err != nil {
				metrics.ProcessorHandled.WithLabelValues("error").Inc()
				return errors.WithMessagef(err, "failed to handle event %s", e.ID)
			}
			// no-op if the handler already logged it saving an aggregate
			if err := p.ledger.Log(ctx, e); err != nil {
				return err
			}
			metrics.ProcessorHandled.WithLabelValues("ok").Inc()
		}
		if uint64(len(events)) < p.batchSize {
			return nil
		}
	}
}

func (p *Processor) Start(ctx context.Context) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.cancel != nil {
		return errors.New("processor already started")
	}

	l := p.lnf.NewListener()
	if err := l.Listen(ln.InboxChannel); err != nil {
		l.Close()
		return errors.Wrap(err, "failed to listen for inbox updates")
	}

	ctx, cancel := context.WithCancel(context.Background())
	endCh := make(chan struct{})
	p.cancel = cancel
	p.endCh = endCh

	nCh := l.NotificationChannel()

	go func() {
		defer close(endCh)
		defer l.Close()
		for {
			// Take a lock to avoid multiple instances handling the same
			// events. This won't create real issues since the ledger makes
			// handling idempotent but concurrency errors would be logged.
			lk := p.lkf.NewLock(p.name)
			if err := lk.Lock(); err != nil {
				log.Errorf("failed to acquire lock: %+v", err)
			} else {
				if err := p.HandleEvents(ctx); err != nil && ctx.Err() == nil {
					log.Errorf("HandleEvents error: %+v", err)
				}
				lk.Unlock()
			}
			select {
			case <-nCh:
				continue

			case <-time.After(wakeInterval):
				go l.Ping()
				continue

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (p *Processor) Stop() error {
	p.m.Lock()
	cancel, endCh := p.cancel, p.endCh
	p.cancel, p.endCh = nil, nil
	p.m.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-endCh
	return nil
}
