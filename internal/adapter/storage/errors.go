package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/rl1809/site-ledger/internal/core/domain"
)

func isUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// isTransient covers lock contention the database resolved by aborting us.
func isTransient(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}

// mapError turns driver failures into ledger error kinds; anything else is
// returned wrapped with op.
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case domain.KindOf(err) != "":
		return err
	case errors.Is(err, sql.ErrNoRows):
		return domain.NewError(domain.KindAggregateNotFound, op, "not found", nil)
	case isTransient(err):
		return domain.NewError(domain.KindOptimisticConflict, op, "transaction aborted by the database", err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func conflictError(op, id string, expected int64) error {
	return domain.Errorf(domain.KindOptimisticConflict, op, "%s changed since version %d", id, expected)
}
