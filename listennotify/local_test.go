package listennotify

import (
	"testing"
	"time"
)

func TestLocalListenNotify(t *testing.T) {
	ln := NewLocalListenNotify()
	nf := NewLocalNotifierFactory(ln)
	lf := NewLocalListenerFactory(ln)

	l := lf.NewListener()
	if err := l.Listen(EventStoreChannel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	n := nf.NewNotifier()
	if err := n.Notify(EventStoreChannel, "10"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// not listened channel
	if err := n.Notify(InboxChannel, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case nt := <-l.NotificationChannel():
		if nt.Channel != EventStoreChannel || nt.Payload != "10" {
			t.Fatalf("unexpected notification: %#v", nt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected notification")
	}

	select {
	case nt := <-l.NotificationChannel():
		t.Fatalf("unexpected notification: %#v", nt)
	default:
	}
}

func TestLocalNotifyNeverBlocks(t *testing.T) {
	ln := NewLocalListenNotify()
	nf := NewLocalNotifierFactory(ln)
	lf := NewLocalListenerFactory(ln)

	l := lf.NewListener()
	if err := l.Listen(InboxChannel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		n := nf.NewNotifier()
		// nobody is reading the listener queue
		for i := 0; i < 2000; i++ {
			n.Notify(InboxChannel, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("notifier blocked")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// double close is allowed
	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// notifications after close are ignored
	if err := nf.NewNotifier().Notify(InboxChannel, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
