package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InventoryMovementKind string

const (
	MovementReceipt    InventoryMovementKind = "RECEIPT"
	MovementIssue      InventoryMovementKind = "ISSUE"
	MovementAdjustment InventoryMovementKind = "ADJUSTMENT"
)

// MinJustificationLength is the shortest justification accepted for a manual
// stock adjustment.
const MinJustificationLength = 20

type InventoryMovement struct {
	ID         string
	PositionID string
	Kind       InventoryMovementKind
	// Quantity is positive for receipts and issues, signed for adjustments.
	Quantity     decimal.Decimal
	UnitPrice    decimal.NullDecimal
	DocumentRef  string
	BudgetLineID string
	Note         string
	CreatedAt    time.Time
}

// InventoryPosition is the stock of one resource held by one project.
type InventoryPosition struct {
	ID                  string
	ProjectID           string
	ResourceID          string
	QuantityOnHand      decimal.Decimal
	WeightedAverageCost decimal.Decimal
	Version             int64
	// Movements holds only the movements added since load; stored history is
	// not needed to mutate the position.
	Movements []InventoryMovement

	changes
}

func NewInventoryPosition(projectID, resourceID string) (*InventoryPosition, error) {
	const op = "Inventory.Create"
	projectID = strings.TrimSpace(projectID)
	resourceID = strings.TrimSpace(resourceID)
	if projectID == "" || resourceID == "" {
		return nil, NewError(KindValidation, op, "project id and resource id are required", nil)
	}
	return &InventoryPosition{
		ID:                  uuid.NewString(),
		ProjectID:           projectID,
		ResourceID:          resourceID,
		QuantityOnHand:      decimal.Zero,
		WeightedAverageCost: decimal.Zero,
	}, nil
}

func RestoreInventoryPosition(id, projectID, resourceID string, onHand, avg decimal.Decimal, version int64) *InventoryPosition {
	return &InventoryPosition{
		ID:                  id,
		ProjectID:           projectID,
		ResourceID:          resourceID,
		QuantityOnHand:      onHand,
		WeightedAverageCost: avg,
		Version:             version,
	}
}

// Receive adds stock and folds unitPrice into the moving weighted average.
func (p *InventoryPosition) Receive(quantity, unitPrice decimal.Decimal, documentRef string) (InventoryMovement, error) {
	const op = "Inventory.Receive"
	quantity = Money(quantity)
	unitPrice = Money(unitPrice)
	if err := requirePositive(op, "quantity", quantity); err != nil {
		return InventoryMovement{}, err
	}
	if err := requireNonNegative(op, "unit price", unitPrice); err != nil {
		return InventoryMovement{}, err
	}

	if p.QuantityOnHand.IsZero() {
		p.WeightedAverageCost = unitPrice
	} else {
		total := p.QuantityOnHand.Add(quantity)
		value := p.QuantityOnHand.Mul(p.WeightedAverageCost).Add(quantity.Mul(unitPrice))
		p.WeightedAverageCost = value.DivRound(total, Scale)
	}
	p.QuantityOnHand = p.QuantityOnHand.Add(quantity)

	m := p.newMovement(MovementReceipt, quantity, documentRef)
	m.UnitPrice = decimal.NewNullDecimal(unitPrice)
	p.Movements = append(p.Movements, m)
	return m, nil
}

// Issue removes stock at the current average cost, which stays unchanged, and
// records MaterialConsumed against the budget line.
func (p *InventoryPosition) Issue(quantity decimal.Decimal, budgetLineID, reference string) (InventoryMovement, decimal.Decimal, error) {
	const op = "Inventory.Issue"
	budgetLineID = strings.TrimSpace(budgetLineID)
	if budgetLineID == "" {
		return InventoryMovement{}, decimal.Zero, NewError(KindValidation, op, "budget line id is required", nil)
	}
	m, cost, err := p.issue(op, quantity, reference)
	if err != nil {
		return InventoryMovement{}, decimal.Zero, err
	}
	m.BudgetLineID = budgetLineID
	p.Movements[len(p.Movements)-1] = m

	err = p.record(AggregateInventoryPosition, p.ID, EventMaterialConsumed, MaterialConsumed{
		ProjectID:    p.ProjectID,
		ResourceID:   p.ResourceID,
		BudgetLineID: budgetLineID,
		MovementID:   m.ID,
		Quantity:     m.Quantity,
		ActualCost:   cost,
		Reference:    m.DocumentRef,
		OccurredAt:   m.CreatedAt,
	})
	if err != nil {
		return InventoryMovement{}, decimal.Zero, err
	}
	return m, cost, nil
}

// TransferOut issues stock on this position for another project. The
// destination receipt is applied later from the recorded event.
func (p *InventoryPosition) TransferOut(quantity decimal.Decimal, destinationProjectID, reference string) (InventoryMovement, MaterialTransferred, error) {
	const op = "Inventory.TransferOut"
	destinationProjectID = strings.TrimSpace(destinationProjectID)
	if destinationProjectID == "" {
		return InventoryMovement{}, MaterialTransferred{}, NewError(KindValidation, op, "destination project id is required", nil)
	}
	if destinationProjectID == p.ProjectID {
		return InventoryMovement{}, MaterialTransferred{}, Errorf(KindValidation, op, "cannot transfer to the same project %s", p.ProjectID)
	}
	avg := p.WeightedAverageCost
	m, _, err := p.issue(op, quantity, reference)
	if err != nil {
		return InventoryMovement{}, MaterialTransferred{}, err
	}

	ev := MaterialTransferred{
		TransferID:           uuid.NewString(),
		SourceProjectID:      p.ProjectID,
		DestinationProjectID: destinationProjectID,
		ResourceID:           p.ResourceID,
		Quantity:             m.Quantity,
		UnitCost:             avg,
		Reference:            m.DocumentRef,
		OccurredAt:           m.CreatedAt,
	}
	if err := p.record(AggregateInventoryPosition, p.ID, EventMaterialTransferred, ev); err != nil {
		return InventoryMovement{}, MaterialTransferred{}, err
	}
	return m, ev, nil
}

// Adjust applies a signed manual correction valued at the current average.
func (p *InventoryPosition) Adjust(quantity decimal.Decimal, justification, reference string) (InventoryMovement, error) {
	const op = "Inventory.Adjust"
	quantity = Money(quantity)
	if quantity.IsZero() {
		return InventoryMovement{}, NewError(KindValidation, op, "adjustment quantity must not be zero", nil)
	}
	justification = strings.TrimSpace(justification)
	if len(justification) < MinJustificationLength {
		return InventoryMovement{}, Errorf(KindValidation, op, "justification must be at least %d characters", MinJustificationLength)
	}
	if quantity.IsNegative() && quantity.Abs().GreaterThan(p.QuantityOnHand) {
		return InventoryMovement{}, p.insufficient(op, quantity.Abs())
	}

	p.QuantityOnHand = p.QuantityOnHand.Add(quantity)
	m := p.newMovement(MovementAdjustment, quantity, reference)
	m.UnitPrice = decimal.NewNullDecimal(p.WeightedAverageCost)
	m.Note = justification
	p.Movements = append(p.Movements, m)
	return m, nil
}

// Committed is called by the store once the position and its changes are durable.
func (p *InventoryPosition) Committed(version int64) {
	p.Version = version
	p.Movements = nil
	p.reset()
}

func (p *InventoryPosition) issue(op string, quantity decimal.Decimal, reference string) (InventoryMovement, decimal.Decimal, error) {
	quantity = Money(quantity)
	if err := requirePositive(op, "quantity", quantity); err != nil {
		return InventoryMovement{}, decimal.Zero, err
	}
	if quantity.GreaterThan(p.QuantityOnHand) {
		return InventoryMovement{}, decimal.Zero, p.insufficient(op, quantity)
	}
	cost := Money(quantity.Mul(p.WeightedAverageCost))
	p.QuantityOnHand = p.QuantityOnHand.Sub(quantity)

	m := p.newMovement(MovementIssue, quantity, reference)
	p.Movements = append(p.Movements, m)
	return m, cost, nil
}

func (p *InventoryPosition) newMovement(kind InventoryMovementKind, quantity decimal.Decimal, reference string) InventoryMovement {
	return InventoryMovement{
		ID:          uuid.NewString(),
		PositionID:  p.ID,
		Kind:        kind,
		Quantity:    quantity,
		DocumentRef: strings.TrimSpace(reference),
		CreatedAt:   now(),
	}
}

func (p *InventoryPosition) insufficient(op string, quantity decimal.Decimal) error {
	return Errorf(KindInsufficientQuantity, op, "project %s resource %s: on hand %s, requested %s",
		p.ProjectID, p.ResourceID, p.QuantityOnHand.StringFixed(Scale), quantity.StringFixed(Scale))
}
