package listennotify

import (
	"sync"

	slog "github.com/viktorenciso/EventCentric/log"
)

var log = slog.S()

type LocalListenNotify struct {
	channels map[string][]chan *Notification

	rwMutex sync.RWMutex
}

func (ln *LocalListenNotify) start(channel string, c chan *Notification) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()

	ln.channels[channel] = append(ln.channels[channel], c)
}

func (ln *LocalListenNotify) stopAll(c chan *Notification) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()

	for channel := range ln.channels {
		newArray := make([]chan *Notification, 0)
		for _, ch := range ln.channels[channel] {
			if ch != c {
				newArray = append(newArray, ch)
			}
		}
		ln.channels[channel] = newArray
	}
}

func (ln *LocalListenNotify) notify(channel string, payload string) {
	ln.rwMutex.RLock()
	defer ln.rwMutex.RUnlock()

	outChans, ok := ln.channels[channel]
	if !ok {
		return
	}
	for _, outputChan := range outChans {
		// never block the notifier. A listener with a full queue already has
		// pending wake ups
		select {
		case outputChan <- &Notification{
			Channel: channel,
			Payload: payload,
		}:
		default:
			log.Warnf("dropping notification on channel %q: listener queue full", channel)
		}
	}
}

func NewLocalListenNotify() *LocalListenNotify {
	return &LocalListenNotify{
		channels: make(map[string][]chan *Notification),
	}
}

type LocalNotifier struct {
	ln *LocalListenNotify
}

func (l *LocalNotifier) Notify(channel string, payload string) error {
	l.ln.notify(channel, payload)
	return nil
}

type LocalNotifierFactory struct {
	ln *LocalListenNotify
}

func NewLocalNotifierFactory(ln *LocalListenNotify) *LocalNotifierFactory {
	return &LocalNotifierFactory{ln: ln}
}

func (lnf *LocalNotifierFactory) NewNotifier() Notifier {
	return &LocalNotifier{
		ln: lnf.ln,
	}
}

type LocalListener struct {
	ln     *LocalListenNotify
	notify chan *Notification
	once   sync.Once
}

func (l *LocalListener) NotificationChannel() chan *Notification {
	return l.notify
}

func (l *LocalListener) Listen(channel string) error {
	l.ln.start(channel, l.notify)
	return nil
}

func (l *LocalListener) Ping() error {
	return nil
}

func (l *LocalListener) Close() error {
	l.once.Do(func() {
		l.ln.stopAll(l.notify)
		close(l.notify)
	})
	return nil
}

type LocalListenerFactory struct {
	ln *LocalListenNotify
}

func NewLocalListenerFactory(ln *LocalListenNotify) *LocalListenerFactory {
	return &LocalListenerFactory{ln: ln}
}

func (lnf *LocalListenerFactory) NewListener() Listener {
	return &LocalListener{
		ln:     lnf.ln,
		notify: make(chan *Notification, 1000),
	}
}
