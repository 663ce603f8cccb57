package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

type WalletStore struct{ *Store }

var _ port.WalletStore = (*WalletStore)(nil)

func (s *WalletStore) Load(ctx context.Context, id string) (*domain.CashWallet, error) {
	return s.load(ctx, "Wallet.Load", `WHERE id = ?`, id)
}

func (s *WalletStore) LoadByProject(ctx context.Context, projectID string) (*domain.CashWallet, error) {
	return s.load(ctx, "Wallet.LoadByProject", `WHERE project_id = ?`, projectID)
}

func (s *WalletStore) load(ctx context.Context, op, where string, arg string) (*domain.CashWallet, error) {
	var (
		id, projectID string
		balance       decimal.Decimal
		version       int64
	)
	err := s.queryRow(ctx, s.db, `SELECT id, project_id, balance, version FROM wallet `+where, arg).
		Scan(&id, &projectID, &balance, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindAggregateNotFound, op, "wallet %s not found", arg)
	}
	if err != nil {
		return nil, mapError(op, err)
	}

	rows, err := s.query(ctx, s.db, `
		SELECT id, amount, kind, pending_evidence, reference, evidence_ref, created_at
		FROM cash_movement WHERE wallet_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var movements []domain.CashMovement
	for rows.Next() {
		m := domain.CashMovement{WalletID: id}
		var (
			kind     string
			evidence sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Amount, &kind, &m.PendingEvidence, &m.Reference, &evidence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan movement: %w", op, err)
		}
		m.Kind = domain.MovementKind(kind)
		m.EvidenceRef = evidence.String
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return domain.RestoreCashWallet(id, projectID, balance, version, movements), nil
}

// Create inserts a first-use wallet. A wallet already stored for the project
// surfaces as a conflict so the caller reloads it.
func (s *WalletStore) Create(ctx context.Context, w *domain.CashWallet) error {
	const op = "Wallet.Create"
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO wallet (id, project_id, balance, version, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)`,
			w.ID, w.ProjectID, w.Balance, s.dialect.timeArg(now), s.dialect.timeArg(now))
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindOptimisticConflict, op, "wallet for project %s created concurrently", w.ProjectID)
		}
		if err != nil {
			return mapError(op, err)
		}
		if err := s.insertMovements(ctx, tx, w.NewMovements()); err != nil {
			return mapError(op, err)
		}
		return s.saveChanges(ctx, tx, op, w.Events(), w.Applied())
	})
	if err != nil {
		return err
	}
	w.Committed(0)
	return nil
}

func (s *WalletStore) Save(ctx context.Context, w *domain.CashWallet, expectedVersion int64) error {
	const op = "Wallet.Save"
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.updateVersioned(ctx, tx, op, w.ID, expectedVersion, `
			UPDATE wallet SET balance = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			w.Balance, s.dialect.timeArg(s.now()), w.ID, expectedVersion)
		if err != nil {
			return err
		}
		for _, m := range w.ResolvedMovements() {
			_, err := s.exec(ctx, tx,
				`UPDATE cash_movement SET pending_evidence = ?, evidence_ref = ? WHERE id = ? AND wallet_id = ?`,
				m.PendingEvidence, nullString(m.EvidenceRef), m.ID, w.ID)
			if err != nil {
				return mapError(op, err)
			}
		}
		if err := s.insertMovements(ctx, tx, w.NewMovements()); err != nil {
			return mapError(op, err)
		}
		return s.saveChanges(ctx, tx, op, w.Events(), w.Applied())
	})
	if err != nil {
		return err
	}
	w.Committed(expectedVersion + 1)
	return nil
}

func (s *WalletStore) IsApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	return s.isApplied(ctx, consumer, eventID)
}

func (s *WalletStore) insertMovements(ctx context.Context, tx *sql.Tx, movements []domain.CashMovement) error {
	for _, m := range movements {
		_, err := s.exec(ctx, tx, `
			INSERT INTO cash_movement (id, wallet_id, amount, kind, pending_evidence, reference, evidence_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.WalletID, m.Amount, string(m.Kind), m.PendingEvidence, m.Reference, nullString(m.EvidenceRef),
			s.dialect.timeArg(createdOrNow(m.CreatedAt)))
		if err != nil {
			return fmt.Errorf("insert cash movement: %w", err)
		}
	}
	return nil
}

func createdOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
