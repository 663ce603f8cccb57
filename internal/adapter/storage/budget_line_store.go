package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

type BudgetLineStore struct{ *Store }

var _ port.BudgetLineStore = (*BudgetLineStore)(nil)

func (s *BudgetLineStore) Load(ctx context.Context, id string) (*domain.BudgetLine, error) {
	const op = "BudgetLine.Load"
	var (
		l      domain.BudgetLine
		parent sql.NullString
	)
	err := s.queryRow(ctx, s.db, `
		SELECT id, budget_id, parent_id, code, description, budgeted_amount, reserved_amount, executed_amount, version
		FROM budget_line WHERE id = ?`, id).
		Scan(&l.ID, &l.BudgetID, &parent, &l.Code, &l.Description,
			&l.BudgetedAmount, &l.ReservedAmount, &l.ExecutedAmount, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindAggregateNotFound, op, "budget line %s not found", id)
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	l.ParentID = parent.String
	return &l, nil
}

func (s *BudgetLineStore) Create(ctx context.Context, l *domain.BudgetLine) error {
	const op = "BudgetLine.Create"
	now := s.dialect.timeArg(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO budget_line (id, budget_id, parent_id, code, description,
				budgeted_amount, reserved_amount, executed_amount, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			l.ID, l.BudgetID, nullString(l.ParentID), l.Code, l.Description,
			l.BudgetedAmount, l.ReservedAmount, l.ExecutedAmount, now, now)
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindOptimisticConflict, op, "budget line %s already exists", l.ID)
		}
		if err != nil {
			return mapError(op, err)
		}
		return s.saveChanges(ctx, tx, op, l.Events(), l.Applied())
	})
	if err != nil {
		return err
	}
	l.Committed(0)
	return nil
}

// Save writes reserved and executed amounts; the budgeted envelope is never
// updated after creation.
func (s *BudgetLineStore) Save(ctx context.Context, l *domain.BudgetLine, expectedVersion int64) error {
	const op = "BudgetLine.Save"
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.updateVersioned(ctx, tx, op, l.ID, expectedVersion, `
			UPDATE budget_line
			SET reserved_amount = ?, executed_amount = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			l.ReservedAmount, l.ExecutedAmount, s.dialect.timeArg(s.now()), l.ID, expectedVersion)
		if err != nil {
			return err
		}
		return s.saveChanges(ctx, tx, op, l.Events(), l.Applied())
	})
	if err != nil {
		return err
	}
	l.Committed(expectedVersion + 1)
	return nil
}

func (s *BudgetLineStore) IsApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	return s.isApplied(ctx, consumer, eventID)
}
