package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MovementKind string

const (
	MovementIngress MovementKind = "INGRESS"
	MovementEgress  MovementKind = "EGRESS"
)

// MaxPendingEvidence is the number of undocumented egresses a wallet may
// carry at once.
const MaxPendingEvidence = 3

type CashMovement struct {
	ID              string
	WalletID        string
	Amount          decimal.Decimal
	Kind            MovementKind
	PendingEvidence bool
	Reference       string
	EvidenceRef     string
	CreatedAt       time.Time
}

// CashWallet is the per-project cash ledger.
type CashWallet struct {
	ID        string
	ProjectID string
	Balance   decimal.Decimal
	Version   int64
	// Movements holds stored movements followed by the ones added since load.
	Movements []CashMovement

	stored   int
	resolved []string
	changes
}

// NewCashWallet opens an empty wallet for a project.
func NewCashWallet(projectID string) (*CashWallet, error) {
	const op = "Wallet.Create"
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, NewError(KindValidation, op, "project id is required", nil)
	}
	w := &CashWallet{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Balance:   decimal.Zero,
	}
	if err := w.record(AggregateWallet, w.ID, EventWalletCreated, WalletCreated{WalletID: w.ID, ProjectID: projectID}); err != nil {
		return nil, err
	}
	return w, nil
}

// RestoreCashWallet rebuilds a wallet from storage.
func RestoreCashWallet(id, projectID string, balance decimal.Decimal, version int64, movements []CashMovement) *CashWallet {
	return &CashWallet{
		ID:        id,
		ProjectID: projectID,
		Balance:   balance,
		Version:   version,
		Movements: movements,
		stored:    len(movements),
	}
}

func (w *CashWallet) Ingress(amount decimal.Decimal, reference, evidenceRef string) (CashMovement, error) {
	const op = "Wallet.Ingress"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return CashMovement{}, err
	}

	m := w.newMovement(MovementIngress, amount, reference, evidenceRef)
	w.Balance = w.Balance.Add(amount)
	w.Movements = append(w.Movements, m)
	if err := w.recordFunds(EventFundsIngressed, m); err != nil {
		return CashMovement{}, err
	}
	return m, nil
}

func (w *CashWallet) Egress(amount decimal.Decimal, reference, evidenceRef string) (CashMovement, error) {
	const op = "Wallet.Egress"
	amount = Money(amount)
	if err := requirePositive(op, "amount", amount); err != nil {
		return CashMovement{}, err
	}
	if amount.GreaterThan(w.Balance) {
		return CashMovement{}, Errorf(KindInsufficientFunds, op,
			"project %s: balance %s, requested %s", w.ProjectID, w.Balance.StringFixed(Scale), amount.StringFixed(Scale))
	}

	m := w.newMovement(MovementEgress, amount, reference, evidenceRef)
	if m.PendingEvidence && w.CountPendingEvidence()+1 > MaxPendingEvidence {
		return CashMovement{}, Errorf(KindEvidenceThresholdExceeded, op,
			"project %s already has %d egresses pending evidence", w.ProjectID, w.CountPendingEvidence())
	}

	w.Balance = w.Balance.Sub(amount)
	w.Movements = append(w.Movements, m)
	if err := w.recordFunds(EventFundsEgressed, m); err != nil {
		return CashMovement{}, err
	}
	return m, nil
}

// CountPendingEvidence counts egresses still waiting for an evidence reference.
func (w *CashWallet) CountPendingEvidence() int {
	n := 0
	for _, m := range w.Movements {
		if m.PendingEvidence {
			n++
		}
	}
	return n
}

// AttachEvidence documents a pending egress. Amount, kind and reference of
// the movement never change.
func (w *CashWallet) AttachEvidence(movementID, evidenceRef string) (CashMovement, error) {
	const op = "Wallet.AttachEvidence"
	evidenceRef = strings.TrimSpace(evidenceRef)
	if evidenceRef == "" {
		return CashMovement{}, NewError(KindValidation, op, "evidence reference is required", nil)
	}
	for i := range w.Movements {
		m := &w.Movements[i]
		if m.ID != movementID {
			continue
		}
		if !m.PendingEvidence {
			return CashMovement{}, Errorf(KindValidation, op, "movement %s is not pending evidence", movementID)
		}
		m.PendingEvidence = false
		m.EvidenceRef = evidenceRef
		if i < w.stored {
			w.resolved = append(w.resolved, m.ID)
		}
		return *m, nil
	}
	return CashMovement{}, Errorf(KindAggregateNotFound, op, "movement %s not found in wallet %s", movementID, w.ID)
}

// NewMovements returns movements appended since the wallet was loaded.
func (w *CashWallet) NewMovements() []CashMovement {
	return append([]CashMovement(nil), w.Movements[w.stored:]...)
}

// ResolvedMovements returns stored movements whose evidence was attached
// since the wallet was loaded.
func (w *CashWallet) ResolvedMovements() []CashMovement {
	out := make([]CashMovement, 0, len(w.resolved))
	for _, id := range w.resolved {
		for _, m := range w.Movements[:w.stored] {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out
}

// Committed is called by the store once the wallet and its changes are durable.
func (w *CashWallet) Committed(version int64) {
	w.Version = version
	w.stored = len(w.Movements)
	w.resolved = nil
	w.reset()
}

func (w *CashWallet) newMovement(kind MovementKind, amount decimal.Decimal, reference, evidenceRef string) CashMovement {
	evidenceRef = strings.TrimSpace(evidenceRef)
	return CashMovement{
		ID:              uuid.NewString(),
		WalletID:        w.ID,
		Amount:          amount,
		Kind:            kind,
		PendingEvidence: kind == MovementEgress && evidenceRef == "",
		Reference:       strings.TrimSpace(reference),
		EvidenceRef:     evidenceRef,
		CreatedAt:       now(),
	}
}

func (w *CashWallet) recordFunds(eventType string, m CashMovement) error {
	return w.record(AggregateWallet, w.ID, eventType, FundsMoved{
		WalletID:        w.ID,
		ProjectID:       w.ProjectID,
		MovementID:      m.ID,
		Amount:          m.Amount,
		Reference:       m.Reference,
		EvidenceRef:     m.EvidenceRef,
		PendingEvidence: m.PendingEvidence,
		BalanceAfter:    w.Balance,
	})
}
