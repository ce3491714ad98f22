package lock

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/viktorenciso/EventCentric/db"

	"github.com/pkg/errors"
)

// PGLockFactory creates session level postgres advisory locks. They exclude
// processes sharing the same database, i.e. multiple processor instances of
// the same node.
type PGLockFactory struct {
	lockspace string
	db        *db.DB
}

func NewPGLockFactory(lockspace string, db *db.DB) *PGLockFactory {
	return &PGLockFactory{lockspace: lockspace, db: db}
}

func (l *PGLockFactory) NewLock(key string) Lock {
	return NewPGLock(l.db, l.lockspace, key)
}

type PGLock struct {
	db        *db.DB
	lockspace int32
	key       int32
	c         *sql.Conn
}

func NewPGLock(db *db.DB, lockspace, key string) *PGLock {
	return &PGLock{db: db, lockspace: hash(lockspace), key: hash(key)}
}

func (l *PGLock) Lock() error {
	if l.c != nil {
		return errors.New("lock already held")
	}
	ctx := context.Background()
	c, err := l.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get db connection")
	}
	if _, err := c.ExecContext(ctx, "select pg_advisory_lock($1, $2)", l.lockspace, l.key); err != nil {
		c.Close()
		return errors.Wrap(err, "failed to acquire advisory lock")
	}
	l.c = c
	return nil
}

func (l *PGLock) Unlock() error {
	if l.c == nil {
		return errors.New("lock not held")
	}
	_, err := l.c.ExecContext(context.Background(), "select pg_advisory_unlock($1, $2)", l.lockspace, l.key)
	_ = l.c.Close()
	l.c = nil
	return errors.Wrap(err, "failed to release advisory lock")
}

func hash(s string) int32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int32(h.Sum32())
}
