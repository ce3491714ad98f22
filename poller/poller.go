package poller

import (
	"context"
	"sync"
	"time"

	"github.com/viktorenciso/EventCentric/metrics"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// errorBackoff is the min interval between polls after an error
const errorBackoff = time.Second

// Subscription is a source stream type and the client of its publisher
type Subscription struct {
	StreamType string
	Client     Client
}

// Poller runs a long poll loop for every subscription handing the received
// events to the buffer.
type Poller struct {
	subs         []Subscription
	buffer       *Buffer
	errorBackoff time.Duration

	m      sync.Mutex
	stopCh chan struct{}
	g      *errgroup.Group
}

func NewPoller(subs []Subscription, buffer *Buffer) *Poller {
	return &Poller{
		subs:         subs,
		buffer:       buffer,
		errorBackoff: errorBackoff,
	}
}

func (p *Poller) Name() string {
	return "poller"
}

func (p *Poller) Start(ctx context.Context) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.stopCh != nil {
		return errors.New("poller already started")
	}

	stopCh := make(chan struct{})
	g := &errgroup.Group{}
	for _, s := range p.subs {
		s := s
		g.Go(func() error {
			p.run(stopCh, s)
			return nil
		})
	}
	p.stopCh = stopCh
	p.g = g
	return nil
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// run polls until stopCh is closed. The in flight poll isn't cancelled by a
// stop: it's bounded by the client timeout and its events are handed to the
// buffer before exiting.
func (p *Poller) run(stopCh chan struct{}, s Subscription) {
	// the loops outlive the start context
	ctx := context.Background()
	limiter := rate.NewLimiter(rate.Every(p.errorBackoff), 1)
	log.Infof("%s: polling started", s.StreamType)
	defer log.Infof("%s: polling stopped", s.StreamType)

	backoff := func() {
		r := limiter.Reserve()
		t := time.NewTimer(r.Delay())
		defer t.Stop()
		select {
		case <-stopCh:
			r.Cancel()
		case <-t.C:
		}
	}

	for {
		if stopped(stopCh) {
			return
		}

		since, err := p.buffer.Cursor(ctx, s.StreamType)
		if err != nil {
			log.Errorf("%s: %+v", s.StreamType, err)
			backoff()
			continue
		}

		res, err := s.Client.Poll(ctx, since)
		if err != nil {
			metrics.PollerErrors.WithLabelValues(s.StreamType).Inc()
			log.Warnf("%s: poll failed: %v", s.StreamType, err)
			backoff()
			continue
		}
		if res.StreamType != "" && res.StreamType != s.StreamType {
			log.Errorf("%s: publisher returned events of stream type %q", s.StreamType, res.StreamType)
			backoff()
			continue
		}
		metrics.PollerEventsReceived.WithLabelValues(s.StreamType).Add(float64(len(res.Events)))

		if err := p.buffer.Enqueue(ctx, s.StreamType, since, res.Events, res.HasNewEvents); err != nil {
			log.Errorf("%s: %+v", s.StreamType, err)
			backoff()
			continue
		}
		if !res.HasNewEvents {
			// a stopped publisher answers immediately
			backoff()
			continue
		}
		cursor, err := p.buffer.Cursor(ctx, s.StreamType)
		if err != nil || cursor == since {
			// nothing accepted, polling again would return the same events
			backoff()
		}
	}
}

// Stop makes the poll loops exit after their in flight call and waits for
// them
func (p *Poller) Stop() error {
	p.m.Lock()
	stopCh, g := p.stopCh, p.g
	p.stopCh, p.g = nil, nil
	p.m.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	return g.Wait()
}
