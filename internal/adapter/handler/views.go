package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/site-ledger/internal/core/domain"
)

func amount(d decimal.Decimal) string { return d.StringFixed(domain.Scale) }

type MovementView struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Amount          string    `json:"amount"`
	PendingEvidence bool      `json:"pending_evidence"`
	Reference       string    `json:"reference"`
	EvidenceRef     string    `json:"evidence_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type WalletView struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	Balance         string         `json:"balance"`
	Version         int64          `json:"version"`
	PendingEvidence int            `json:"pending_evidence"`
	Movements       []MovementView `json:"movements"`
}

type BudgetLineView struct {
	ID             string `json:"id"`
	BudgetID       string `json:"budget_id"`
	ParentID       string `json:"parent_id,omitempty"`
	Code           string `json:"code"`
	Description    string `json:"description"`
	BudgetedAmount string `json:"budgeted_amount"`
	ReservedAmount string `json:"reserved_amount"`
	ExecutedAmount string `json:"executed_amount"`
	Available      string `json:"available"`
	ExecutionRatio string `json:"execution_ratio"`
	Version        int64  `json:"version"`
}

type PositionView struct {
	ID                  string `json:"id"`
	ProjectID           string `json:"project_id"`
	ResourceID          string `json:"resource_id"`
	QuantityOnHand      string `json:"quantity_on_hand"`
	WeightedAverageCost string `json:"weighted_average_cost"`
	Version             int64  `json:"version"`
}

type InventoryMovementView struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Quantity     string    `json:"quantity"`
	UnitPrice    string    `json:"unit_price,omitempty"`
	DocumentRef  string    `json:"document_ref,omitempty"`
	BudgetLineID string    `json:"budget_line_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	// ActualCost is set for issues only.
	ActualCost string `json:"actual_cost,omitempty"`
}

type TransferView struct {
	TransferID           string `json:"transfer_id"`
	SourceProjectID      string `json:"source_project_id"`
	DestinationProjectID string `json:"destination_project_id"`
	ResourceID           string `json:"resource_id"`
	Quantity             string `json:"quantity"`
	UnitCost             string `json:"unit_cost"`
	Reference            string `json:"reference,omitempty"`
}

type EventView struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       string     `json:"payload"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

func movementView(m domain.CashMovement) MovementView {
	return MovementView{
		ID:              m.ID,
		Kind:            string(m.Kind),
		Amount:          amount(m.Amount),
		PendingEvidence: m.PendingEvidence,
		Reference:       m.Reference,
		EvidenceRef:     m.EvidenceRef,
		CreatedAt:       m.CreatedAt,
	}
}

func walletView(w *domain.CashWallet) WalletView {
	v := WalletView{
		ID:              w.ID,
		ProjectID:       w.ProjectID,
		Balance:         amount(w.Balance),
		Version:         w.Version,
		PendingEvidence: w.CountPendingEvidence(),
		Movements:       make([]MovementView, 0, len(w.Movements)),
	}
	for _, m := range w.Movements {
		v.Movements = append(v.Movements, movementView(m))
	}
	return v
}

func budgetLineView(l *domain.BudgetLine) BudgetLineView {
	return BudgetLineView{
		ID:             l.ID,
		BudgetID:       l.BudgetID,
		ParentID:       l.ParentID,
		Code:           l.Code,
		Description:    l.Description,
		BudgetedAmount: amount(l.BudgetedAmount),
		ReservedAmount: amount(l.ReservedAmount),
		ExecutedAmount: amount(l.ExecutedAmount),
		Available:      amount(l.Available()),
		ExecutionRatio: amount(l.ExecutionRatio()),
		Version:        l.Version,
	}
}

func positionView(p *domain.InventoryPosition) PositionView {
	return PositionView{
		ID:                  p.ID,
		ProjectID:           p.ProjectID,
		ResourceID:          p.ResourceID,
		QuantityOnHand:      amount(p.QuantityOnHand),
		WeightedAverageCost: amount(p.WeightedAverageCost),
		Version:             p.Version,
	}
}

func inventoryMovementView(m domain.InventoryMovement) InventoryMovementView {
	v := InventoryMovementView{
		ID:           m.ID,
		Kind:         string(m.Kind),
		Quantity:     amount(m.Quantity),
		DocumentRef:  m.DocumentRef,
		BudgetLineID: m.BudgetLineID,
		Note:         m.Note,
		CreatedAt:    m.CreatedAt,
	}
	if m.UnitPrice.Valid {
		v.UnitPrice = amount(m.UnitPrice.Decimal)
	}
	return v
}

func transferView(t domain.MaterialTransferred) TransferView {
	return TransferView{
		TransferID:           t.TransferID,
		SourceProjectID:      t.SourceProjectID,
		DestinationProjectID: t.DestinationProjectID,
		ResourceID:           t.ResourceID,
		Quantity:             amount(t.Quantity),
		UnitCost:             amount(t.UnitCost),
		Reference:            t.Reference,
	}
}

func NewEventView(e domain.OutboxEvent) EventView {
	return EventView{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       string(e.Payload),
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		NextAttemptAt: e.NextAttemptAt,
		ProcessedAt:   e.ProcessedAt,
	}
}
