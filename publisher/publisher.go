package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viktorenciso/EventCentric/common"
	"github.com/viktorenciso/EventCentric/eventstore"
	"github.com/viktorenciso/EventCentric/listennotify"
	slog "github.com/viktorenciso/EventCentric/log"
	"github.com/viktorenciso/EventCentric/metrics"

	"github.com/pkg/errors"
)

var log = slog.Named("publisher")

const (
	DefaultPageSize             = 100
	DefaultPollAttemptsMaxCount = 300
	DefaultPollInterval         = 100 * time.Millisecond

	// resyncInterval is the interval at which the tracked version is
	// reloaded from the store to recover lost notifications
	resyncInterval = 10 * time.Second
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// EventSource is the read side of the event store used by the publisher
type EventSource interface {
	StreamTypeVersion(ctx context.Context, streamType string) (int64, error)
	FindStreamTypeEvents(ctx context.Context, streamType string, after int64, limit uint64) ([]*eventstore.StoredEvent, error)
}

type Config struct {
	StreamType           string
	PageSize             uint64
	PollAttemptsMaxCount int
	PollInterval         time.Duration
}

// PollResponse is the answer to a poll
type PollResponse struct {
	HasNewEvents bool                      `json:"hasNewEvents"`
	StreamType   string                    `json:"streamType"`
	Events       []*eventstore.StoredEvent `json:"events"`
}

// Publisher serves the events of a stream type of the local store to the
// pollers. It tracks the global version of the stream type to answer long
// polls without querying the store.
type Publisher struct {
	cfg Config
	src EventSource
	lf  listennotify.ListenerFactory
	nf  listennotify.NotifierFactory

	m       sync.Mutex
	state   State
	version int64
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewPublisher(cfg Config, src EventSource, lf listennotify.ListenerFactory, nf listennotify.NotifierFactory) *Publisher {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PollAttemptsMaxCount <= 0 {
		cfg.PollAttemptsMaxCount = DefaultPollAttemptsMaxCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Publisher{
		cfg:   cfg,
		src:   src,
		lf:    lf,
		nf:    nf,
		state: StateStopped,
	}
}

func (p *Publisher) Name() string {
	return "publisher"
}

func (p *Publisher) State() State {
	p.m.Lock()
	defer p.m.Unlock()
	return p.state
}

func (p *Publisher) Version() int64 {
	p.m.Lock()
	defer p.m.Unlock()
	return p.version
}

// UpdateVersion raises the tracked version. Lower versions are ignored.
func (p *Publisher) UpdateVersion(v int64) {
	p.m.Lock()
	defer p.m.Unlock()
	if v > p.version {
		p.version = v
		metrics.PublisherVersion.Set(float64(v))
	}
}

func (p *Publisher) setState(s State) {
	p.m.Lock()
	defer p.m.Unlock()
	p.state = s
}

func (p *Publisher) notify(channel, payload string) {
	if err := p.nf.NewNotifier().Notify(channel, payload); err != nil {
		log.Errorf("failed to notify %s: %+v", channel, err)
	}
}

func (p *Publisher) halt(err error) error {
	p.setState(StateHalted)
	p.notify(listennotify.FatalChannel, fmt.Sprintf("%s: %v", p.Name(), err))
	return common.NewFatalError(p.Name(), err)
}

func (p *Publisher) Start(ctx context.Context) error {
	p.m.Lock()
	if p.state != StateStopped {
		s := p.state
		p.m.Unlock()
		return errors.Errorf("cannot start publisher in state %s", s)
	}
	p.state = StateStarting
	p.m.Unlock()

	// listen before reading the version so no update is lost
	l := p.lf.NewListener()
	if err := l.Listen(listennotify.EventStoreChannel); err != nil {
		l.Close()
		return p.halt(errors.Wrap(err, "failed to listen for event store updates"))
	}

	v, err := p.src.StreamTypeVersion(ctx, p.cfg.StreamType)
	if err != nil {
		l.Close()
		return p.halt(errors.Wrap(err, "failed to read event store version"))
	}
	p.UpdateVersion(v)

	p.m.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.state = StateRunning
	stopCh, doneCh := p.stopCh, p.doneCh
	p.m.Unlock()

	go p.run(l, stopCh, doneCh)

	log.Infof("publisher of stream type %q started at version %d", p.cfg.StreamType, v)
	p.notify(listennotify.EventStoreChannel, eventstore.FormatStoreUpdated(p.cfg.StreamType, v))
	p.notify(listennotify.PublisherChannel, "started")
	return nil
}

func (p *Publisher) run(l listennotify.Listener, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer l.Close()

	t := time.NewTicker(resyncInterval)
	defer t.Stop()

	for {
		select {
		case <-stopCh:
			return
		case n, ok := <-l.NotificationChannel():
			if !ok {
				return
			}
			streamType, v, err := eventstore.ParseStoreUpdated(n.Payload)
			if err != nil {
				// notifications could have been lost (i.e. listener
				// reconnection), reload the version
				p.resync()
				continue
			}
			if streamType != p.cfg.StreamType {
				continue
			}
			p.UpdateVersion(v)
		case <-t.C:
			p.resync()
		}
	}
}

func (p *Publisher) resync() {
	v, err := p.src.StreamTypeVersion(context.Background(), p.cfg.StreamType)
	if err != nil {
		log.Errorf("failed to read event store version: %+v", err)
		return
	}
	p.UpdateVersion(v)
}

// PollEvents waits, for at most PollAttemptsMaxCount * PollInterval, for
// events newer than lastReceivedVersion and returns at most PageSize of them.
// When the publisher isn't running or is stopped while waiting it returns a
// response without events.
func (p *Publisher) PollEvents(ctx context.Context, lastReceivedVersion int64) (*PollResponse, error) {
	p.m.Lock()
	state, stopCh := p.state, p.stopCh
	p.m.Unlock()

	empty := &PollResponse{StreamType: p.cfg.StreamType, Events: []*eventstore.StoredEvent{}}

	if state != StateRunning {
		metrics.PublisherPolls.WithLabelValues("refused").Inc()
		return empty, nil
	}

	for i := 0; i < p.cfg.PollAttemptsMaxCount; i++ {
		if p.Version() > lastReceivedVersion {
			events, err := p.src.FindStreamTypeEvents(ctx, p.cfg.StreamType, lastReceivedVersion, p.cfg.PageSize)
			if err != nil {
				metrics.PublisherPolls.WithLabelValues("error").Inc()
				return nil, errors.WithMessage(err, "failed to read events")
			}
			metrics.PublisherPolls.WithLabelValues("events").Inc()
			metrics.PublisherEventsServed.Add(float64(len(events)))
			return &PollResponse{
				HasNewEvents: len(events) > 0,
				StreamType:   p.cfg.StreamType,
				Events:       events,
			}, nil
		}

		select {
		case <-stopCh:
			metrics.PublisherPolls.WithLabelValues("stopped").Inc()
			return empty, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}

	metrics.PublisherPolls.WithLabelValues("timeout").Inc()
	return empty, nil
}

// Stop stops the publisher. In flight polls return without events.
func (p *Publisher) Stop() error {
	p.m.Lock()
	if p.state != StateRunning {
		p.m.Unlock()
		return nil
	}
	p.state = StateStopping
	close(p.stopCh)
	doneCh := p.doneCh
	p.m.Unlock()

	<-doneCh

	p.setState(StateStopped)
	log.Infof("publisher of stream type %q stopped", p.cfg.StreamType)
	p.notify(listennotify.PublisherChannel, "stopped")
	return nil
}

type Status struct {
	State      string `json:"state"`
	StreamType string `json:"streamType"`
	Version    int64  `json:"version"`
}

func (p *Publisher) Status() interface{} {
	p.m.Lock()
	defer p.m.Unlock()
	return &Status{
		State:      p.state.String(),
		StreamType: p.cfg.StreamType,
		Version:    p.version,
	}
}
