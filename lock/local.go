package lock

import (
	"fmt"
	"sync"
)

type refMutex struct {
	sync.Mutex
	refs int
}

// LocalLocks is a set of in process mutexes keyed by name. Entries are
// removed when no one holds or waits for them so keys like stream ids don't
// accumulate.
type LocalLocks struct {
	locks map[string]*refMutex
	m     sync.Mutex
}

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{locks: make(map[string]*refMutex)}
}

func (ll *LocalLocks) lock(key string) {
	ll.m.Lock()
	l, ok := ll.locks[key]
	if !ok {
		l = &refMutex{}
		ll.locks[key] = l
	}
	l.refs++
	ll.m.Unlock()
	l.Lock()
}

func (ll *LocalLocks) unlock(key string) {
	ll.m.Lock()
	defer ll.m.Unlock()
	l, ok := ll.locks[key]
	if !ok {
		panic(fmt.Errorf("no mutex for key: %s", key))
	}
	l.refs--
	if l.refs == 0 {
		delete(ll.locks, key)
	}
	l.Unlock()
}

func (ll *LocalLocks) len() int {
	ll.m.Lock()
	defer ll.m.Unlock()
	return len(ll.locks)
}

type LocalLockFactory struct {
	ll *LocalLocks
}

func NewLocalLockFactory(ll *LocalLocks) *LocalLockFactory {
	return &LocalLockFactory{ll: ll}
}

func (l *LocalLockFactory) NewLock(key string) Lock {
	return &LocalLock{ll: l.ll, key: key}
}

type LocalLock struct {
	ll  *LocalLocks
	key string
}

func (l *LocalLock) Lock() error {
	l.ll.lock(l.key)
	return nil
}

func (l *LocalLock) Unlock() error {
	l.ll.unlock(l.key)
	return nil
}
