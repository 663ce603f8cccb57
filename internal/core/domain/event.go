package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventFailed    EventStatus = "FAILED"
	EventProcessed EventStatus = "PROCESSED"
	EventDead      EventStatus = "DEAD"
)

const (
	AggregateWallet            = "wallet"
	AggregateBudgetLine        = "budget_line"
	AggregateInventoryPosition = "inventory_position"
)

const (
	EventWalletCreated       = "WalletCreated"
	EventFundsIngressed      = "FundsIngressed"
	EventFundsEgressed       = "FundsEgressed"
	EventMaterialConsumed    = "MaterialConsumed"
	EventMaterialTransferred = "MaterialTransferredBetweenProjects"
	EventBudgetAlertRaised   = "BudgetAlertRaised"
)

// OutboxEvent is a domain event row written in the same transaction as the
// aggregate change that produced it.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	Processed     bool
	ProcessedAt   *time.Time
	Status        EventStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload any, at time.Time) (OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     at,
		Status:        EventPending,
		NextAttemptAt: at,
	}, nil
}

// Decode unmarshals the payload into v.
func (e OutboxEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewError(KindEventApplicationFailure, "outbox.decode", fmt.Sprintf("event %s (%s) has malformed payload", e.ID, e.EventType), err)
	}
	return nil
}

// Terminal reports whether the event will never be picked up again without
// operator action.
func (e OutboxEvent) Terminal() bool {
	return e.Status == EventProcessed || e.Status == EventDead
}

// AppliedEvent records that a consumer has applied an outbox event to the
// aggregate it is stored with.
type AppliedEvent struct {
	Consumer  string
	EventID   string
	AppliedAt time.Time
}

type WalletCreated struct {
	WalletID  string `json:"wallet_id"`
	ProjectID string `json:"project_id"`
}

type FundsMoved struct {
	WalletID        string          `json:"wallet_id"`
	ProjectID       string          `json:"project_id"`
	MovementID      string          `json:"movement_id"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference"`
	EvidenceRef     string          `json:"evidence_ref,omitempty"`
	PendingEvidence bool            `json:"pending_evidence"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
}

type MaterialConsumed struct {
	ProjectID    string          `json:"project_id"`
	ResourceID   string          `json:"resource_id"`
	BudgetLineID string          `json:"budget_line_id"`
	MovementID   string          `json:"movement_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	ActualCost   decimal.Decimal `json:"actual_cost"`
	Reference    string          `json:"reference"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type MaterialTransferred struct {
	TransferID           string          `json:"transfer_id"`
	SourceProjectID      string          `json:"source_project_id"`
	DestinationProjectID string          `json:"destination_project_id"`
	ResourceID           string          `json:"resource_id"`
	Quantity             decimal.Decimal `json:"quantity"`
	UnitCost             decimal.Decimal `json:"unit_cost"`
	Reference            string          `json:"reference"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

type AlertSeverity string

const (
	AlertNone     AlertSeverity = ""
	AlertWarning  AlertSeverity = "WARNING"
	AlertCritical AlertSeverity = "CRITICAL"
)

type BudgetAlert struct {
	BudgetLineID   string          `json:"budget_line_id"`
	BudgetID       string          `json:"budget_id"`
	Code           string          `json:"code"`
	Severity       AlertSeverity   `json:"severity"`
	ExecutionRatio decimal.Decimal `json:"execution_ratio"`
	ExecutedAmount decimal.Decimal `json:"executed_amount"`
	BudgetedAmount decimal.Decimal `json:"budgeted_amount"`
}

// changes collects what a mutation produced besides the root row itself:
// outbox events and applied-event markers. The store persists both in the
// same transaction as the root.
type changes struct {
	events  []OutboxEvent
	applied []AppliedEvent
}

func (c *changes) record(aggregateType, aggregateID, eventType string, payload any) error {
	ev, err := NewOutboxEvent(aggregateType, aggregateID, eventType, payload, now())
	if err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

// Events returns outbox events recorded since the last commit.
func (c *changes) Events() []OutboxEvent {
	return append([]OutboxEvent(nil), c.events...)
}

// Applied returns applied-event markers recorded since the last commit.
func (c *changes) Applied() []AppliedEvent {
	return append([]AppliedEvent(nil), c.applied...)
}

// MarkApplied ties this mutation to an outbox event so it is stored at most
// once per consumer.
func (c *changes) MarkApplied(consumer, eventID string) {
	c.applied = append(c.applied, AppliedEvent{Consumer: consumer, EventID: eventID, AppliedAt: now()})
}

func (c *changes) reset() {
	c.events = nil
	c.applied = nil
}

var now = func() time.Time { return time.Now().UTC() }
