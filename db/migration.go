package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

const migrationTableDDLTmpl = `
	create table if not exists %s (version int not null, time timestamptz not null)
`

// Statements prefixed by one of these markers are executed only on the
// matching db type.
const (
	postgresMarker = "--POSTGRES"
	sqlite3Marker  = "--SQLITE3"
)

type Migration struct {
	Stmts []string
}

// Migrate applies, one transaction per migration, all the migrations not yet
// recorded in the migration_<dbName> table.
func (db *DB) Migrate(ctx context.Context, dbName string, migrations []Migration) error {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	migrationTable := fmt.Sprintf("migration_%s", dbName)

	err := db.Do(ctx, func(tx *Tx) error {
		return tx.Do(func(tx *WrappedTx) error {
			_, err := tx.Exec(fmt.Sprintf(migrationTableDDLTmpl, migrationTable))
			return err
		})
	})
	if err != nil {
		return errors.Wrap(err, "failed to create migration table")
	}

	for {
		done := false
		err := db.Do(ctx, func(tx *Tx) error {
			return tx.Do(func(tx *WrappedTx) error {
				var (
					version sql.NullInt64
					n       int
				)
				q, args, err := sb.Select("max(version)").From(migrationTable).ToSql()
				if err != nil {
					return err
				}
				if err := tx.QueryRow(q, args...).Scan(&version); err != nil {
					return errors.Wrap(err, "cannot get current migration version")
				}
				if version.Valid {
					n = int(version.Int64)
				}
				if n >= len(migrations) {
					done = true
					return nil
				}

				migrationVersion := n + 1
				m := migrations[n]

				for _, stmt := range m.Stmts {
					stmt, ok := db.t.filterStmt(stmt)
					if !ok {
						continue
					}
					if _, err := tx.Exec(stmt); err != nil {
						return errors.Wrapf(err, "migration %d failed", migrationVersion)
					}
				}

				q, args, err = sb.Insert(migrationTable).Columns("version", "time").Values(migrationVersion, sq.Expr("now()")).ToSql()
				if err != nil {
					return err
				}
				if _, err := tx.Exec(q, args...); err != nil {
					return errors.Wrap(err, "failed to update migration table")
				}
				log.Debugf("%s: applied migration %d", dbName, migrationVersion)
				return nil
			})
		})
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	return nil
}

// filterStmt strips the db type marker from stmt and reports whether it must
// be executed on this db type.
func (t DBType) filterStmt(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	switch {
	case strings.HasPrefix(s, postgresMarker):
		return strings.TrimSpace(strings.TrimPrefix(s, postgresMarker)), t.name == Postgres
	case strings.HasPrefix(s, sqlite3Marker):
		return strings.TrimSpace(strings.TrimPrefix(s, sqlite3Marker)), t.name == Sqlite3
	}
	return s, true
}
