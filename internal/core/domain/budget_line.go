package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	warningRatio  = decimal.RequireFromString("0.8")
	criticalRatio = decimal.NewFromInt(1)
)

// BudgetLine is one node of a project budget tree. Only leaves are mutated;
// rollups over the tree are computed on the read side.
type BudgetLine struct {
	ID             string
	BudgetID       string
	ParentID       string
	Code           string
	Description    string
	BudgetedAmount decimal.Decimal
	ReservedAmount decimal.Decimal
	ExecutedAmount decimal.Decimal
	Version        int64

	changes
}

type NewBudgetLineParams struct {
	BudgetID       string
	ParentID       string
	Code           string
	Description    string
	BudgetedAmount decimal.Decimal
}

func NewBudgetLine(p NewBudgetLineParams) (*BudgetLine, error) {
	const op = "BudgetLine.Create"
	p.BudgetID = strings.TrimSpace(p.BudgetID)
	p.Code = strings.TrimSpace(p.Code)
	if p.BudgetID == "" {
		return nil, NewError(KindValidation, op, "budget id is required", nil)
	}
	if p.Code == "" {
		return nil, NewError(KindValidation, op, "code is required", nil)
	}
	budgeted := Money(p.BudgetedAmount)
	if err := requireNonNegative(op, "budgeted amount", budgeted); err != nil {
		return nil, err
	}
	return &BudgetLine{
		ID:             uuid.NewString(),
		BudgetID:       p.BudgetID,
		ParentID:       strings.TrimSpace(p.ParentID),
		Code:           p.Code,
		Description:    strings.TrimSpace(p.Description),
		BudgetedAmount: budgeted,
		ReservedAmount: decimal.Zero,
		ExecutedAmount: decimal.Zero,
	}, nil
}

// Available is budgeted - reserved - executed.
func (l *BudgetLine) Available() decimal.Decimal {
	return l.BudgetedAmount.Sub(l.ReservedAmount).Sub(l.ExecutedAmount)
}

func (l *BudgetLine) Reserve(amount decimal.Decimal) error {
	const op = "BudgetLine.Reserve"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return err
	}
	if l.Available().LessThan(amount) {
		return l.exceeded(op, amount)
	}
	l.ReservedAmount = l.ReservedAmount.Add(amount)
	return nil
}

// Release returns reserved budget. Releasing more than is reserved floors the
// reservation at zero.
func (l *BudgetLine) Release(amount decimal.Decimal) error {
	const op = "BudgetLine.Release"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return err
	}
	l.ReservedAmount = decimal.Max(l.ReservedAmount.Sub(amount), decimal.Zero)
	return nil
}

// Execute records actual spend. The reservation is consumed first; only the
// part not covered by it has to fit in the available amount.
func (l *BudgetLine) Execute(amount decimal.Decimal) error {
	const op = "BudgetLine.Execute"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return err
	}
	fromReserve := decimal.Min(amount, l.ReservedAmount)
	if l.Available().LessThan(amount.Sub(fromReserve)) {
		return l.exceeded(op, amount)
	}
	before := l.severity()
	l.ReservedAmount = l.ReservedAmount.Sub(fromReserve)
	l.ExecutedAmount = l.ExecutedAmount.Add(amount)
	return l.raiseAlert(before)
}

// ExecuteDirect records spend that was never reserved. The reservation is
// left untouched.
func (l *BudgetLine) ExecuteDirect(amount decimal.Decimal) error {
	const op = "BudgetLine.ExecuteDirect"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return err
	}
	if l.Available().LessThan(amount) {
		return l.exceeded(op, amount)
	}
	before := l.severity()
	l.ExecutedAmount = l.ExecutedAmount.Add(amount)
	return l.raiseAlert(before)
}

// ExecutionRatio is executed/budgeted, zero for an unfunded line.
func (l *BudgetLine) ExecutionRatio() decimal.Decimal {
	if l.BudgetedAmount.IsZero() {
		return decimal.Zero
	}
	return l.ExecutedAmount.DivRound(l.BudgetedAmount, Scale)
}

// Committed is called by the store once the line and its changes are durable.
func (l *BudgetLine) Committed(version int64) {
	l.Version = version
	l.reset()
}

func (l *BudgetLine) severity() AlertSeverity {
	ratio := l.ExecutionRatio()
	switch {
	case l.BudgetedAmount.IsZero():
		return AlertNone
	case ratio.GreaterThanOrEqual(criticalRatio):
		return AlertCritical
	case ratio.GreaterThan(warningRatio):
		return AlertWarning
	default:
		return AlertNone
	}
}

// raiseAlert records BudgetAlertRaised when an execution moves the line into
// a higher severity band.
func (l *BudgetLine) raiseAlert(before AlertSeverity) error {
	after := l.severity()
	if after == before || after == AlertNone || before == AlertCritical {
		return nil
	}
	return l.record(AggregateBudgetLine, l.ID, EventBudgetAlertRaised, BudgetAlert{
		BudgetLineID:   l.ID,
		BudgetID:       l.BudgetID,
		Code:           l.Code,
		Severity:       after,
		ExecutionRatio: l.ExecutionRatio(),
		ExecutedAmount: l.ExecutedAmount,
		BudgetedAmount: l.BudgetedAmount,
	})
}

func (l *BudgetLine) exceeded(op string, amount decimal.Decimal) error {
	return Errorf(KindBudgetExceeded, op, "line %s (%s): available %s, requested %s",
		l.Code, l.ID, l.Available().StringFixed(Scale), amount.StringFixed(Scale))
}
