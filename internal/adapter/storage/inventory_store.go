package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

type InventoryStore struct{ *Store }

var _ port.InventoryStore = (*InventoryStore)(nil)

const selectPosition = `SELECT id, project_id, resource_id, quantity_on_hand, weighted_average_cost, version FROM inventory_position `

func (s *InventoryStore) Load(ctx context.Context, id string) (*domain.InventoryPosition, error) {
	return s.load(ctx, "Inventory.Load", selectPosition+`WHERE id = ?`, id)
}

func (s *InventoryStore) LoadByResource(ctx context.Context, projectID, resourceID string) (*domain.InventoryPosition, error) {
	return s.load(ctx, "Inventory.LoadByResource", selectPosition+`WHERE project_id = ? AND resource_id = ?`, projectID, resourceID)
}

func (s *InventoryStore) load(ctx context.Context, op, query string, args ...any) (*domain.InventoryPosition, error) {
	var p domain.InventoryPosition
	err := s.queryRow(ctx, s.db, query, args...).
		Scan(&p.ID, &p.ProjectID, &p.ResourceID, &p.QuantityOnHand, &p.WeightedAverageCost, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindAggregateNotFound, op, "inventory position %v not found", args)
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	return domain.RestoreInventoryPosition(p.ID, p.ProjectID, p.ResourceID, p.QuantityOnHand, p.WeightedAverageCost, p.Version), nil
}

// Create inserts a position on its first movement. Another writer creating the
// same (project, resource) pair first surfaces as a conflict.
func (s *InventoryStore) Create(ctx context.Context, p *domain.InventoryPosition) error {
	const op = "Inventory.Create"
	now := s.dialect.timeArg(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO inventory_position (id, project_id, resource_id, quantity_on_hand, weighted_average_cost,
				version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.ProjectID, p.ResourceID, p.QuantityOnHand, p.WeightedAverageCost, now, now)
		if isUniqueViolation(err) {
			return domain.Errorf(domain.KindOptimisticConflict, op, "position %s/%s created concurrently", p.ProjectID, p.ResourceID)
		}
		if err != nil {
			return mapError(op, err)
		}
		if err := s.insertMovements(ctx, tx, p.Movements); err != nil {
			return mapError(op, err)
		}
		return s.saveChanges(ctx, tx, op, p.Events(), p.Applied())
	})
	if err != nil {
		return err
	}
	p.Committed(0)
	return nil
}

func (s *InventoryStore) Save(ctx context.Context, p *domain.InventoryPosition, expectedVersion int64) error {
	const op = "Inventory.Save"
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.updateVersioned(ctx, tx, op, p.ID, expectedVersion, `
			UPDATE inventory_position
			SET quantity_on_hand = ?, weighted_average_cost = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			p.QuantityOnHand, p.WeightedAverageCost, s.dialect.timeArg(s.now()), p.ID, expectedVersion)
		if err != nil {
			return err
		}
		if err := s.insertMovements(ctx, tx, p.Movements); err != nil {
			return mapError(op, err)
		}
		return s.saveChanges(ctx, tx, op, p.Events(), p.Applied())
	})
	if err != nil {
		return err
	}
	p.Committed(expectedVersion + 1)
	return nil
}

func (s *InventoryStore) IsApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	return s.isApplied(ctx, consumer, eventID)
}

// Movements returns the stored movement history of a position, oldest first.
func (s *InventoryStore) Movements(ctx context.Context, positionID string) ([]domain.InventoryMovement, error) {
	const op = "Inventory.Movements"
	rows, err := s.query(ctx, s.db, `
		SELECT id, kind, quantity, unit_price, document_ref, budget_line_id, note, created_at
		FROM inventory_movement WHERE position_id = ? ORDER BY created_at, id`, positionID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.InventoryMovement
	for rows.Next() {
		m := domain.InventoryMovement{PositionID: positionID}
		var (
			kind       string
			line, note sql.NullString
		)
		if err := rows.Scan(&m.ID, &kind, &m.Quantity, &m.UnitPrice, &m.DocumentRef, &line, &note, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		m.Kind = domain.InventoryMovementKind(kind)
		m.BudgetLineID = line.String
		m.Note = note.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (s *InventoryStore) insertMovements(ctx context.Context, tx *sql.Tx, movements []domain.InventoryMovement) error {
	for _, m := range movements {
		_, err := s.exec(ctx, tx, `
			INSERT INTO inventory_movement (id, position_id, kind, quantity, unit_price, document_ref,
				budget_line_id, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.PositionID, string(m.Kind), m.Quantity, m.UnitPrice, m.DocumentRef,
			nullString(m.BudgetLineID), nullString(m.Note), s.dialect.timeArg(createdOrNow(m.CreatedAt)))
		if err != nil {
			return fmt.Errorf("insert inventory movement: %w", err)
		}
	}
	return nil
}
