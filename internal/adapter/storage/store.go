package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/platform/logger"
)

type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies the schema on open.
	Migrate bool
}

// Store is the aggregate store for every supported SQL dialect. Each Save
// writes the root, its new movements, its outbox events and its applied-event
// markers in one transaction.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Logger
	now     func() time.Time
}

func Open(ctx context.Context, opts Options, log *logger.Logger) (*Store, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// One writer at a time; more connections only produce SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := New(db, dialect, log)
	if dialect == SQLite {
		if err := s.applyPragmas(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	if opts.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an already configured pool.
func New(db *sql.DB, dialect Dialect, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		log:     log.With("component", "store", "dialect", string(dialect)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Wallets() *WalletStore         { return &WalletStore{s} }
func (s *Store) BudgetLines() *BudgetLineStore { return &BudgetLineStore{s} }
func (s *Store) Inventory() *InventoryStore    { return &InventoryStore{s} }
func (s *Store) Outbox() *OutboxStore          { return &OutboxStore{s} }

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, db querier, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, db querier, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// updateVersioned runs an UPDATE guarded by "AND version = ?" and reports a
// conflict when no row matched.
func (s *Store) updateVersioned(ctx context.Context, tx *sql.Tx, op, id string, expected int64, query string, args ...any) error {
	result, err := s.exec(ctx, tx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if rows == 0 {
		return conflictError(op, id, expected)
	}
	return nil
}

// saveChanges stores applied-event markers, marks those events processed and
// appends newly recorded events, all inside the caller's transaction.
func (s *Store) saveChanges(ctx context.Context, tx *sql.Tx, op string, events []domain.OutboxEvent, applied []domain.AppliedEvent) error {
	for _, a := range applied {
		_, err := s.exec(ctx, tx,
			`INSERT INTO applied_event (consumer, event_id, applied_at) VALUES (?, ?, ?)`,
			a.Consumer, a.EventID, s.dialect.timeArg(a.AppliedAt))
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindAlreadyApplied, op, "event %s already applied by %s", a.EventID, a.Consumer)
		}
		if err != nil {
			return mapError(op, err)
		}
		_, err = s.exec(ctx, tx,
			`UPDATE outbox_event SET status = ?, processed = ?, processed_at = ?, last_error = NULL WHERE id = ?`,
			string(domain.EventProcessed), true, s.dialect.timeArg(a.AppliedAt), a.EventID)
		if err != nil {
			return mapError(op, err)
		}
	}
	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, ev); err != nil {
			return mapError(op, err)
		}
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, ev domain.OutboxEvent) error {
	_, err := s.exec(ctx, tx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload, created_at,
			processed, processed_at, status, attempts, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?, NULL)`,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, string(ev.Payload), s.dialect.timeArg(ev.CreatedAt),
		false, string(domain.EventPending), s.dialect.timeArg(ev.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", ev.EventType, err)
	}
	return nil
}

func (s *Store) isApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM applied_event WHERE consumer = ? AND event_id = ?`, consumer, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query applied event: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
