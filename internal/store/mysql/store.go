// Package mysql implements engine.Store on MySQL/InnoDB.  Every Store
// method is one transaction; exclusivity relies on the unique slot-lock key
// and capacity on a ceiling check performed under a row lock, so two
// concurrent attempts for the same slot always resolve as exactly one
// winner.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/escaperoomhq/booking/internal/engine"
)

// MySQL server error numbers this package reacts to.
const (
	erDupEntry        = 1062
	erLockDeadlock    = 1213
	erLockWaitTimeout = 1205
)

// Store is the MySQL-backed engine.Store.  All timestamps are stored and
// compared in UTC; the connection must be opened with parseTime=true and
// loc=UTC (see internal/database).
type Store struct {
	db *sql.DB
}

// New returns a Store bound to the given database handle.
func New(db *sql.DB) *Store {
	if db == nil {
		panic("nil db passed to mysql.New")
	}
	return &Store{db: db}
}

// withTx runs fn inside a transaction, rolling back unless fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

// isDup reports whether err is a unique-key violation.
func isDup(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == erDupEntry
}

// mapErr translates transient InnoDB aborts into ErrStorageConflict so
// callers know the identical call may be retried; everything else passes
// through wrapped.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == erLockDeadlock || me.Number == erLockWaitTimeout) {
		return fmt.Errorf("%w: %v", engine.ErrStorageConflict, err)
	}
	return err
}

// utc normalizes a timestamp for storage.
func utc(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }
