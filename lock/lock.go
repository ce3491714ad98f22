package lock

// LockFactory creates named locks. Locks with the same key exclude each
// other.
type LockFactory interface {
	NewLock(key string) Lock
}

type Lock interface {
	Lock() error
	Unlock() error
}
