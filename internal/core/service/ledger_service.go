package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/observability"
	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

// DefaultMaxAttempts bounds how many times a use case re-reads and re-applies
// itself after an optimistic conflict.
const DefaultMaxAttempts = 3

type Deps struct {
	Wallets     port.WalletStore
	BudgetLines port.BudgetLineStore
	Inventory   port.InventoryStore
	Coordinator port.EventCoordinator
	Catalog     port.Catalog
	Hooks       observability.Hooks
	Log         *logger.Logger
	MaxAttempts int
}

// LedgerService runs every mutation as load, mutate, save of a single
// aggregate root. Effects on other roots travel through the outbox.
type LedgerService struct {
	wallets     port.WalletStore
	lines       port.BudgetLineStore
	inventory   port.InventoryStore
	coordinator port.EventCoordinator
	catalog     port.Catalog
	hooks       observability.Hooks
	log         *logger.Logger
	maxAttempts int
}

func NewLedgerService(d Deps) *LedgerService {
	if d.Hooks == nil {
		d.Hooks = observability.NoopHooks{}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	return &LedgerService{
		wallets:     d.Wallets,
		lines:       d.BudgetLines,
		inventory:   d.Inventory,
		coordinator: d.Coordinator,
		catalog:     d.Catalog,
		hooks:       d.Hooks,
		log:         d.Log.With("component", "ledger"),
		maxAttempts: d.MaxAttempts,
	}
}

// --- cash wallet ---

func (s *LedgerService) Ingress(ctx context.Context, sec port.SecurityContext, projectID string, amount decimal.Decimal, reference, evidenceRef string) (domain.CashMovement, error) {
	var out domain.CashMovement
	err := s.mutate(ctx, sec, "Wallet.Ingress", []attribute.KeyValue{attribute.String("project_id", projectID)}, func(ctx context.Context) error {
		return s.withWallet(ctx, projectID, func(w *domain.CashWallet) (err error) {
			out, err = w.Ingress(amount, reference, evidenceRef)
			return err
		})
	})
	return out, err
}

func (s *LedgerService) Egress(ctx context.Context, sec port.SecurityContext, projectID string, amount decimal.Decimal, reference, evidenceRef string) (domain.CashMovement, error) {
	var out domain.CashMovement
	err := s.mutate(ctx, sec, "Wallet.Egress", []attribute.KeyValue{attribute.String("project_id", projectID)}, func(ctx context.Context) error {
		return s.withWallet(ctx, projectID, func(w *domain.CashWallet) (err error) {
			out, err = w.Egress(amount, reference, evidenceRef)
			return err
		})
	})
	return out, err
}

func (s *LedgerService) AttachEvidence(ctx context.Context, sec port.SecurityContext, projectID, movementID, evidenceRef string) (domain.CashMovement, error) {
	var out domain.CashMovement
	err := s.mutate(ctx, sec, "Wallet.AttachEvidence", []attribute.KeyValue{attribute.String("project_id", projectID)}, func(ctx context.Context) error {
		w, err := s.wallets.LoadByProject(ctx, projectID)
		if err != nil {
			return err
		}
		expected := w.Version
		if out, err = w.AttachEvidence(movementID, evidenceRef); err != nil {
			return err
		}
		return s.wallets.Save(ctx, w, expected)
	})
	return out, err
}

func (s *LedgerService) Wallet(ctx context.Context, projectID string) (*domain.CashWallet, error) {
	return s.wallets.LoadByProject(ctx, strings.TrimSpace(projectID))
}

// withWallet applies fn to the project's wallet, creating the wallet in the
// same transaction on first use.
func (s *LedgerService) withWallet(ctx context.Context, projectID string, fn func(*domain.CashWallet) error) error {
	w, err := s.wallets.LoadByProject(ctx, strings.TrimSpace(projectID))
	if domain.IsKind(err, domain.KindAggregateNotFound) {
		if w, err = domain.NewCashWallet(projectID); err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		return s.wallets.Create(ctx, w)
	}
	if err != nil {
		return err
	}
	expected := w.Version
	if err := fn(w); err != nil {
		return err
	}
	return s.wallets.Save(ctx, w, expected)
}

// --- budget lines ---

func (s *LedgerService) CreateBudgetLine(ctx context.Context, sec port.SecurityContext, p domain.NewBudgetLineParams) (*domain.BudgetLine, error) {
	var out *domain.BudgetLine
	err := s.mutate(ctx, sec, "BudgetLine.Create", []attribute.KeyValue{attribute.String("budget_id", p.BudgetID)}, func(ctx context.Context) error {
		line, err := domain.NewBudgetLine(p)
		if err != nil {
			return err
		}
		if err := s.lines.Create(ctx, line); err != nil {
			return err
		}
		out = line
		return nil
	})
	return out, err
}

func (s *LedgerService) ReserveBudget(ctx context.Context, sec port.SecurityContext, lineID string, amount decimal.Decimal) (*domain.BudgetLine, error) {
	return s.withLine(ctx, sec, "BudgetLine.Reserve", lineID, func(l *domain.BudgetLine) error { return l.Reserve(amount) })
}

func (s *LedgerService) ReleaseBudget(ctx context.Context, sec port.SecurityContext, lineID string, amount decimal.Decimal) (*domain.BudgetLine, error) {
	return s.withLine(ctx, sec, "BudgetLine.Release", lineID, func(l *domain.BudgetLine) error { return l.Release(amount) })
}

func (s *LedgerService) ExecuteBudget(ctx context.Context, sec port.SecurityContext, lineID string, amount decimal.Decimal) (*domain.BudgetLine, error) {
	return s.withLine(ctx, sec, "BudgetLine.Execute", lineID, func(l *domain.BudgetLine) error { return l.Execute(amount) })
}

func (s *LedgerService) ExecuteBudgetDirect(ctx context.Context, sec port.SecurityContext, lineID string, amount decimal.Decimal) (*domain.BudgetLine, error) {
	return s.withLine(ctx, sec, "BudgetLine.ExecuteDirect", lineID, func(l *domain.BudgetLine) error { return l.ExecuteDirect(amount) })
}

func (s *LedgerService) BudgetLine(ctx context.Context, lineID string) (*domain.BudgetLine, error) {
	return s.lines.Load(ctx, strings.TrimSpace(lineID))
}

func (s *LedgerService) withLine(ctx context.Context, sec port.SecurityContext, op, lineID string, fn func(*domain.BudgetLine) error) (*domain.BudgetLine, error) {
	var out *domain.BudgetLine
	err := s.mutate(ctx, sec, op, []attribute.KeyValue{attribute.String("budget_line_id", lineID)}, func(ctx context.Context) error {
		l, err := s.lines.Load(ctx, strings.TrimSpace(lineID))
		if err != nil {
			return err
		}
		expected := l.Version
		if err := fn(l); err != nil {
			return err
		}
		if err := s.lines.Save(ctx, l, expected); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// --- inventory ---

func (s *LedgerService) ReceiveMaterial(ctx context.Context, sec port.SecurityContext, projectID, resourceID string, quantity, unitPrice decimal.Decimal, documentRef string) (domain.InventoryMovement, error) {
	var out domain.InventoryMovement
	err := s.mutate(ctx, sec, "Inventory.Receive", positionAttrs(projectID, resourceID), func(ctx context.Context) error {
		return s.withPosition(ctx, projectID, resourceID, func(p *domain.InventoryPosition) (err error) {
			out, err = p.Receive(quantity, unitPrice, documentRef)
			return err
		})
	})
	return out, err
}

// IssueMaterial returns the issue movement and its actual cost.
func (s *LedgerService) IssueMaterial(ctx context.Context, sec port.SecurityContext, projectID, resourceID string, quantity decimal.Decimal, budgetLineID, reference string) (domain.InventoryMovement, decimal.Decimal, error) {
	var (
		out  domain.InventoryMovement
		cost decimal.Decimal
	)
	err := s.mutate(ctx, sec, "Inventory.Issue", positionAttrs(projectID, resourceID), func(ctx context.Context) error {
		return s.withPosition(ctx, projectID, resourceID, func(p *domain.InventoryPosition) (err error) {
			out, cost, err = p.Issue(quantity, budgetLineID, reference)
			return err
		})
	})
	return out, cost, err
}

func (s *LedgerService) TransferMaterial(ctx context.Context, sec port.SecurityContext, projectID, resourceID string, quantity decimal.Decimal, destinationProjectID, reference string) (domain.MaterialTransferred, error) {
	var out domain.MaterialTransferred
	err := s.mutate(ctx, sec, "Inventory.TransferOut", positionAttrs(projectID, resourceID), func(ctx context.Context) error {
		return s.withPosition(ctx, projectID, resourceID, func(p *domain.InventoryPosition) (err error) {
			_, out, err = p.TransferOut(quantity, destinationProjectID, reference)
			return err
		})
	})
	return out, err
}

// AdjustInventory requires the caller to be a warehouse admin or a project manager.
func (s *LedgerService) AdjustInventory(ctx context.Context, sec port.SecurityContext, projectID, resourceID string, quantity decimal.Decimal, justification, reference string) (domain.InventoryMovement, error) {
	const op = "Inventory.Adjust"
	var out domain.InventoryMovement
	err := s.mutate(ctx, sec, op, positionAttrs(projectID, resourceID), func(ctx context.Context) error {
		if !sec.HasRole(port.RoleAdminBodega) && !sec.HasRole(port.RoleProjectManager) {
			return domain.Errorf(domain.KindForbidden, op, "user %s may not adjust inventory", sec.CurrentUserID())
		}
		return s.withPosition(ctx, projectID, resourceID, func(p *domain.InventoryPosition) (err error) {
			out, err = p.Adjust(quantity, justification, reference)
			return err
		})
	})
	return out, err
}

func (s *LedgerService) Position(ctx context.Context, projectID, resourceID string) (*domain.InventoryPosition, error) {
	return s.inventory.LoadByResource(ctx, strings.TrimSpace(projectID), strings.TrimSpace(resourceID))
}

// withPosition applies fn to the (project, resource) position, creating it in
// the same transaction on the first movement. Issues against an unknown pair
// fail on the empty position before anything is stored.
func (s *LedgerService) withPosition(ctx context.Context, projectID, resourceID string, fn func(*domain.InventoryPosition) error) error {
	resourceID, err := s.resolveResource(ctx, resourceID)
	if err != nil {
		return err
	}
	p, err := s.inventory.LoadByResource(ctx, strings.TrimSpace(projectID), resourceID)
	if domain.IsKind(err, domain.KindAggregateNotFound) {
		if p, err = domain.NewInventoryPosition(projectID, resourceID); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		return s.inventory.Create(ctx, p)
	}
	if err != nil {
		return err
	}
	expected := p.Version
	if err := fn(p); err != nil {
		return err
	}
	return s.inventory.Save(ctx, p, expected)
}

func (s *LedgerService) resolveResource(ctx context.Context, resourceID string) (string, error) {
	resourceID = strings.TrimSpace(resourceID)
	if s.catalog == nil || resourceID == "" {
		return resourceID, nil
	}
	r, err := s.catalog.ResolveResource(ctx, resourceID)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func positionAttrs(projectID, resourceID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("project_id", projectID), attribute.String("resource_id", resourceID)}
}

// --- orchestration ---

func (s *LedgerService) mutate(ctx context.Context, sec port.SecurityContext, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	if sec == nil {
		return domain.NewError(domain.KindForbidden, op, "missing security context", nil)
	}
	err := s.run(ctx, op, append(attrs, attribute.String("user_id", sec.CurrentUserID())), fn)
	if err == nil {
		s.notify(ctx)
	}
	return err
}

// run executes fn, re-running it from the load on optimistic conflicts up to
// maxAttempts times. Any other error ends the loop immediately.
func (s *LedgerService) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, op, attrs...)
	start := time.Now()

	var err error
	attempt := 1
	for ; ; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}
		err = fn(ctx)
		if err == nil || !domain.IsRetryable(err) {
			break
		}
		s.hooks.IncConflict(op)
		if attempt >= s.maxAttempts {
			s.log.Warn("conflict retries exhausted", "op", op, "attempts", attempt)
			break
		}
		s.hooks.IncRetry(op)
	}

	status := observability.StatusSuccess
	if err != nil {
		status = string(domain.KindOf(err))
		if status == "" {
			status = "failure"
		}
		if isRuleViolation(err) {
			s.hooks.InvariantViolation(op, status, err.Error())
		}
	}
	span.SetAttributes(attribute.Int("attempts", attempt))
	s.hooks.ObserveOperation(op, status, time.Since(start))
	observability.EndSpan(span, err)
	return err
}

func (s *LedgerService) notify(ctx context.Context) {
	if s.coordinator == nil {
		return
	}
	if err := s.coordinator.Notify(ctx); err != nil {
		s.log.Debug("outbox notify failed", "error", err)
	}
}

func isRuleViolation(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInsufficientFunds, domain.KindEvidenceThresholdExceeded,
		domain.KindInsufficientQuantity, domain.KindBudgetExceeded:
		return true
	}
	return false
}
