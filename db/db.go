package db

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"time"

	slog "github.com/viktorenciso/EventCentric/log"

	"github.com/pkg/errors"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var log = slog.S()

type Type string

const (
	Postgres Type = "postgres"
	Sqlite3  Type = "sqlite3"
)

type DBType struct {
	name              Type
	driverName        string
	queryReplacers    []replacer
	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

// match a postgres query bind variable. E.g. "$1", "$12", etc.
var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	dbTypePostgres = DBType{
		name:              Postgres,
		driverName:        "postgres",
		supportsTimezones: true,
	}

	dbTypeSQLite3 = DBType{
		name:              Sqlite3,
		driverName:        "sqlite3",
		supportsTimezones: false,
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			// timestamp is a declared type suported by the go-sqlite3 driver
			{matchLiteral("timestamptz"), "timestamp"},
			// convert now to the max precision time available with sqlite3
			{regexp.MustCompile(`\bnow\(\)`), "strftime('%Y-%m-%d %H:%M:%f', 'now')"},
		},
	}
)

func (t DBType) translate(query string) string {
	for _, r := range t.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// translateArgs translates query parameters that may be unique to
// a specific SQL flavor. For example, standardizing "time.Time"
// types to UTC for clients that don't provide timezone support.
func (t DBType) translateArgs(args []interface{}) []interface{} {
	if t.supportsTimezones {
		return args
	}

	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// DB wraps a sql.DB to add special behaviors based on the db type
type DB struct {
	db *sql.DB
	t  DBType
}

func NewDB(dbType Type, dbConnString string) (*DB, error) {
	var t DBType
	switch dbType {
	case Postgres:
		t = dbTypePostgres
	case Sqlite3:
		t = dbTypeSQLite3
	default:
		return nil, errors.Errorf("unknown db type %q", dbType)
	}

	sqldb, err := sql.Open(t.driverName, dbConnString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}

	switch dbType {
	case Sqlite3:
		// sqlite allows a single writer. Using a single connection
		// serializes the transactions instead of failing with SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		for _, p := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := sqldb.Exec(p); err != nil {
				sqldb.Close()
				return nil, errors.Wrapf(err, "failed to execute %q", p)
			}
		}
	}

	return &DB{
		db: sqldb,
		t:  t,
	}, nil
}

func (db *DB) Type() Type {
	return db.t.name
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Conn returns a dedicated connection. Used for session level locks.
func (db *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	return db.db.Conn(ctx)
}

// Tx is wraps a wrappedTx to offer locking around exections of statements
// (since the underlying sql driver doesn't support concurrent statements on the
// same connection)
type Tx struct {
	wrappedTx *WrappedTx
	l         sync.Mutex
}

// WrappedTx wraps a sql.Tx to apply some statement mutations before executing
// it
type WrappedTx struct {
	tx  *sql.Tx
	t   DBType
	ctx context.Context
}

func (db *DB) NewTx(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	switch db.t.name {
	case Postgres:
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	return &Tx{
		wrappedTx: &WrappedTx{
			tx: tx, t: db.t, ctx: ctx,
		},
	}, nil
}

// Do executes f inside a new transaction. The transaction is committed if f
// returns nil and rolled back otherwise.
func (db *DB) Do(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := db.NewTx(ctx)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Debugf("rollback failed: %v", rerr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (tx *Tx) lock() {
	tx.l.Lock()
}

func (tx *Tx) unlock() {
	tx.l.Unlock()
}

func (tx *Tx) Type() Type {
	return tx.wrappedTx.t.name
}

func (tx *Tx) Commit() error {
	return tx.wrappedTx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.wrappedTx.tx.Rollback()
}

func (tx *WrappedTx) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = tx.t.translate(query)
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.ExecContext(tx.ctx, query, tx.t.translateArgs(args)...)
}

func (tx *WrappedTx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = tx.t.translate(query)
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.QueryContext(tx.ctx, query, tx.t.translateArgs(args)...)
}

func (tx *WrappedTx) QueryRow(query string, args ...interface{}) *sql.Row {
	query = tx.t.translate(query)
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.QueryRowContext(tx.ctx, query, tx.t.translateArgs(args)...)
}

func (tx *Tx) Do(f func(tx *WrappedTx) error) error {
	tx.lock()
	defer tx.unlock()
	return f(tx.wrappedTx)
}

const pqUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique or primary key constraint
// violation for the database flavors supported.
func IsUniqueViolation(err error) bool {
	switch e := errors.Cause(err).(type) {
	case *pq.Error:
		return e.Code == pqUniqueViolation
	case sqlite3.Error:
		return e.ExtendedCode == sqlite3.ErrConstraintUnique || e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
