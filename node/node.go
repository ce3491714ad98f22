package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/viktorenciso/EventCentric/common"
	ln "github.com/viktorenciso/EventCentric/listennotify"
	slog "github.com/viktorenciso/EventCentric/log"

	"github.com/pkg/errors"
)

var log = slog.Named("node")

var ErrNodeHalted = errors.New("node halted")

type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopped
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Worker is a node component with its own lifecycle
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// StatusReporter is implemented by workers exposing their status
type StatusReporter interface {
	Status() interface{}
}

// Node starts and stops its workers together. A fatal notification from any
// worker stops all of them and halts the node.
type Node struct {
	name    string
	workers []Worker
	lnf     ln.ListenerFactory

	m      sync.Mutex
	state  State
	fatal  ln.Listener
	reason string
}

// NewNode creates a node. Workers are started in the provided order and
// stopped in reverse order.
func NewNode(name string, lnf ln.ListenerFactory, workers ...Worker) *Node {
	return &Node{
		name:    name,
		workers: workers,
		lnf:     lnf,
		state:   StateCreated,
	}
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) State() State {
	n.m.Lock()
	defer n.m.Unlock()
	return n.state
}

func (n *Node) Start(ctx context.Context) error {
	n.m.Lock()
	defer n.m.Unlock()

	switch n.state {
	case StateHalted:
		return ErrNodeHalted
	case StateStarted:
		return errors.Errorf("node %s already started", n.name)
	}

	for i, w := range n.workers {
		log.Infof("%s: starting %s", n.name, w.Name())
		if err := w.Start(ctx); err != nil {
			n.stopWorkers(n.workers[:i])
			n.state = StateHalted
			n.reason = err.Error()
			log.Errorf("%s: failed to start %s: %+v", n.name, w.Name(), err)
			if common.IsFatal(err) {
				return err
			}
			return common.NewFatalError(w.Name(), err)
		}
	}

	l := n.lnf.NewListener()
	if err := l.Listen(ln.FatalChannel); err != nil {
		l.Close()
		n.stopWorkers(n.workers)
		n.state = StateHalted
		n.reason = err.Error()
		return common.NewFatalError(n.name, errors.Wrap(err, "failed to listen for fatal notifications"))
	}
	n.fatal = l
	go n.watchFatal(l)

	n.state = StateStarted
	log.Infof("%s: started", n.name)
	return nil
}

func (n *Node) watchFatal(l ln.Listener) {
	for nt := range l.NotificationChannel() {
		// empty channel after a listener reconnection
		if nt.Channel != ln.FatalChannel {
			continue
		}
		n.halt(nt.Payload)
		return
	}
}

func (n *Node) halt(reason string) {
	n.m.Lock()
	defer n.m.Unlock()
	if n.state != StateStarted {
		return
	}
	log.Errorf("%s: fatal error: %s, halting", n.name, reason)
	n.stopWorkers(n.workers)
	n.closeFatal()
	n.state = StateHalted
	n.reason = reason
}

// Stop stops the workers. It's a no-op if the node isn't started.
func (n *Node) Stop() error {
	n.m.Lock()
	defer n.m.Unlock()
	if n.state != StateStarted {
		return nil
	}
	n.closeFatal()
	err := n.stopWorkers(n.workers)
	n.state = StateStopped
	log.Infof("%s: stopped", n.name)
	return err
}

func (n *Node) closeFatal() {
	if n.fatal != nil {
		n.fatal.Close()
		n.fatal = nil
	}
}

// stopWorkers stops the workers in reverse order returning the first error
func (n *Node) stopWorkers(workers []Worker) error {
	var serr error
	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		log.Infof("%s: stopping %s", n.name, w.Name())
		if err := w.Stop(); err != nil {
			log.Errorf("%s: failed to stop %s: %+v", n.name, w.Name(), err)
			if serr == nil {
				serr = err
			}
		}
	}
	return serr
}

type Status struct {
	Name    string                 `json:"name"`
	State   string                 `json:"state"`
	Reason  string                 `json:"reason,omitempty"`
	Workers map[string]interface{} `json:"workers"`
}

func (n *Node) Status() *Status {
	n.m.Lock()
	s := &Status{
		Name:    n.name,
		State:   n.state.String(),
		Reason:  n.reason,
		Workers: map[string]interface{}{},
	}
	n.m.Unlock()

	for _, w := range n.workers {
		if sr, ok := w.(StatusReporter); ok {
			s.Workers[w.Name()] = sr.Status()
		} else {
			s.Workers[w.Name()] = nil
		}
	}
	return s
}
