package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

type walletRow struct {
	id, projectID string
	balance       decimal.Decimal
	version       int64
	movements     []domain.CashMovement
}

type lineRow struct {
	line    domain.BudgetLine
	version int64
}

type positionRow struct {
	id, projectID, resourceID string
	onHand, avg               decimal.Decimal
	version                   int64
	movements                 []domain.InventoryMovement
}

// mockLedger is an in-memory stand-in for the SQL store: one mutex plays the
// transaction, versions are checked like the UPDATE ... WHERE version = ?.
type mockLedger struct {
	mu sync.Mutex

	wallets   map[string]*walletRow
	lines     map[string]*lineRow
	positions map[string]*positionRow
	outbox    []domain.OutboxEvent
	applied   map[string]bool

	// conflicts forces the next n saves to report an optimistic conflict.
	conflicts int
	// beforeSave runs outside the lock right before each save.
	beforeSave func()
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		wallets:   make(map[string]*walletRow),
		lines:     make(map[string]*lineRow),
		positions: make(map[string]*positionRow),
		applied:   make(map[string]bool),
	}
}

func (m *mockLedger) Wallets() port.WalletStore         { return (*mockWallets)(m) }
func (m *mockLedger) BudgetLines() port.BudgetLineStore { return (*mockLines)(m) }
func (m *mockLedger) Inventory() port.InventoryStore    { return (*mockInventory)(m) }
func (m *mockLedger) Outbox() port.OutboxStore          { return (*mockOutbox)(m) }

func (m *mockLedger) preSave() error {
	m.mu.Lock()
	hook := m.beforeSave
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return domain.NewError(domain.KindOptimisticConflict, "mock.save", "forced", nil)
	}
	return nil
}

// commitChanges must be called with mu held.
func (m *mockLedger) commitChanges(events []domain.OutboxEvent, applied []domain.AppliedEvent) error {
	for _, a := range applied {
		if m.applied[a.Consumer+"/"+a.EventID] {
			return domain.NewError(domain.KindAlreadyApplied, "mock.save", a.EventID, nil)
		}
	}
	for _, a := range applied {
		m.applied[a.Consumer+"/"+a.EventID] = true
		for i := range m.outbox {
			if m.outbox[i].ID == a.EventID {
				at := a.AppliedAt
				m.outbox[i].Status = domain.EventProcessed
				m.outbox[i].Processed = true
				m.outbox[i].ProcessedAt = &at
			}
		}
	}
	m.outbox = append(m.outbox, events...)
	return nil
}

func (m *mockLedger) isApplied(consumer, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[consumer+"/"+eventID], nil
}

func (m *mockLedger) events(eventType string) []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.outbox {
		if eventType == "" || ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func notFound(what, id string) error {
	return domain.Errorf(domain.KindAggregateNotFound, "mock.load", "%s %s not found", what, id)
}

func conflict() error {
	return domain.NewError(domain.KindOptimisticConflict, "mock.save", "version mismatch", nil)
}

// --- wallets ---

type mockWallets mockLedger

func (s *mockWallets) m() *mockLedger { return (*mockLedger)(s) }

func (s *mockWallets) restore(r *walletRow) *domain.CashWallet {
	return domain.RestoreCashWallet(r.id, r.projectID, r.balance, r.version, append([]domain.CashMovement(nil), r.movements...))
}

func (s *mockWallets) Load(_ context.Context, id string) (*domain.CashWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.wallets {
		if r.id == id {
			return s.restore(r), nil
		}
	}
	return nil, notFound("wallet", id)
}

func (s *mockWallets) LoadByProject(_ context.Context, projectID string) (*domain.CashWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.wallets[projectID]
	if !ok {
		return nil, notFound("wallet for project", projectID)
	}
	return s.restore(r), nil
}

func (s *mockWallets) Create(_ context.Context, w *domain.CashWallet) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ProjectID]; ok {
		return conflict()
	}
	if err := s.m().commitChanges(w.Events(), w.Applied()); err != nil {
		return err
	}
	s.wallets[w.ProjectID] = &walletRow{id: w.ID, projectID: w.ProjectID, balance: w.Balance, movements: w.NewMovements()}
	w.Committed(0)
	return nil
}

func (s *mockWallets) Save(_ context.Context, w *domain.CashWallet, expected int64) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.wallets[w.ProjectID]
	if !ok || r.version != expected {
		return conflict()
	}
	if err := s.m().commitChanges(w.Events(), w.Applied()); err != nil {
		return err
	}
	for _, resolved := range w.ResolvedMovements() {
		for i := range r.movements {
			if r.movements[i].ID == resolved.ID {
				r.movements[i] = resolved
			}
		}
	}
	r.movements = append(r.movements, w.NewMovements()...)
	r.balance = w.Balance
	r.version = expected + 1
	w.Committed(r.version)
	return nil
}

func (s *mockWallets) IsApplied(_ context.Context, consumer, eventID string) (bool, error) {
	return s.m().isApplied(consumer, eventID)
}

// --- budget lines ---

type mockLines mockLedger

func (s *mockLines) m() *mockLedger { return (*mockLedger)(s) }

func (s *mockLines) Load(_ context.Context, id string) (*domain.BudgetLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lines[id]
	if !ok {
		return nil, notFound("budget line", id)
	}
	l := &domain.BudgetLine{
		ID: r.line.ID, BudgetID: r.line.BudgetID, ParentID: r.line.ParentID, Code: r.line.Code,
		Description: r.line.Description, BudgetedAmount: r.line.BudgetedAmount,
		ReservedAmount: r.line.ReservedAmount, ExecutedAmount: r.line.ExecutedAmount, Version: r.version,
	}
	return l, nil
}

func (s *mockLines) put(l *domain.BudgetLine, version int64) {
	s.lines[l.ID] = &lineRow{
		line: domain.BudgetLine{
			ID: l.ID, BudgetID: l.BudgetID, ParentID: l.ParentID, Code: l.Code, Description: l.Description,
			BudgetedAmount: l.BudgetedAmount, ReservedAmount: l.ReservedAmount, ExecutedAmount: l.ExecutedAmount,
		},
		version: version,
	}
}

func (s *mockLines) Create(_ context.Context, l *domain.BudgetLine) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lines[l.ID]; ok {
		return conflict()
	}
	if err := s.m().commitChanges(l.Events(), l.Applied()); err != nil {
		return err
	}
	s.put(l, 0)
	l.Committed(0)
	return nil
}

func (s *mockLines) Save(_ context.Context, l *domain.BudgetLine, expected int64) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lines[l.ID]
	if !ok || r.version != expected {
		return conflict()
	}
	if err := s.m().commitChanges(l.Events(), l.Applied()); err != nil {
		return err
	}
	s.put(l, expected+1)
	l.Committed(expected + 1)
	return nil
}

func (s *mockLines) IsApplied(_ context.Context, consumer, eventID string) (bool, error) {
	return s.m().isApplied(consumer, eventID)
}

// --- inventory ---

type mockInventory mockLedger

func (s *mockInventory) m() *mockLedger { return (*mockLedger)(s) }

func posKey(projectID, resourceID string) string { return projectID + "/" + resourceID }

func (s *mockInventory) Load(_ context.Context, id string) (*domain.InventoryPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.positions {
		if r.id == id {
			return domain.RestoreInventoryPosition(r.id, r.projectID, r.resourceID, r.onHand, r.avg, r.version), nil
		}
	}
	return nil, notFound("position", id)
}

func (s *mockInventory) LoadByResource(_ context.Context, projectID, resourceID string) (*domain.InventoryPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.positions[posKey(projectID, resourceID)]
	if !ok {
		return nil, notFound("position", posKey(projectID, resourceID))
	}
	return domain.RestoreInventoryPosition(r.id, r.projectID, r.resourceID, r.onHand, r.avg, r.version), nil
}

func (s *mockInventory) Create(_ context.Context, p *domain.InventoryPosition) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := posKey(p.ProjectID, p.ResourceID)
	if _, ok := s.positions[key]; ok {
		return conflict()
	}
	if err := s.m().commitChanges(p.Events(), p.Applied()); err != nil {
		return err
	}
	s.positions[key] = &positionRow{
		id: p.ID, projectID: p.ProjectID, resourceID: p.ResourceID,
		onHand: p.QuantityOnHand, avg: p.WeightedAverageCost,
		movements: append([]domain.InventoryMovement(nil), p.Movements...),
	}
	p.Committed(0)
	return nil
}

func (s *mockInventory) Save(_ context.Context, p *domain.InventoryPosition, expected int64) error {
	if err := s.m().preSave(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.positions[posKey(p.ProjectID, p.ResourceID)]
	if !ok || r.version != expected {
		return conflict()
	}
	if err := s.m().commitChanges(p.Events(), p.Applied()); err != nil {
		return err
	}
	r.onHand = p.QuantityOnHand
	r.avg = p.WeightedAverageCost
	r.movements = append(r.movements, p.Movements...)
	r.version = expected + 1
	p.Committed(r.version)
	return nil
}

func (s *mockInventory) IsApplied(_ context.Context, consumer, eventID string) (bool, error) {
	return s.m().isApplied(consumer, eventID)
}

// --- outbox ---

type mockOutbox mockLedger

func (s *mockOutbox) find(id string) *domain.OutboxEvent {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

func (s *mockOutbox) RequeueDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		ev := &s.outbox[i]
		if ev.Status == domain.EventFailed && !ev.NextAttemptAt.After(now) {
			ev.Status = domain.EventPending
			n++
		}
	}
	return n, nil
}

func (s *mockOutbox) ClaimPending(_ context.Context, types []string, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range s.outbox {
		if ev.Status != domain.EventPending {
			continue
		}
		for _, t := range types {
			if ev.EventType == t {
				out = append(out, ev)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockOutbox) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return notFound("event", id)
	}
	at := time.Now()
	ev.Status, ev.Processed, ev.ProcessedAt = domain.EventProcessed, true, &at
	return nil
}

func (s *mockOutbox) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return notFound("event", id)
	}
	ev.Status, ev.Attempts, ev.NextAttemptAt, ev.LastError = domain.EventFailed, attempts, next, lastError
	return nil
}

func (s *mockOutbox) MarkDead(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return notFound("event", id)
	}
	ev.Status, ev.Attempts, ev.LastError = domain.EventDead, attempts, lastError
	return nil
}

func (s *mockOutbox) ListByStatus(_ context.Context, status domain.EventStatus, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range s.outbox {
		if ev.Status == status && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *mockOutbox) Get(_ context.Context, id string) (domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return domain.OutboxEvent{}, notFound("event", id)
	}
	return *ev, nil
}

func (s *mockOutbox) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return notFound("event", id)
	}
	ev.Status, ev.Attempts, ev.LastError, ev.NextAttemptAt = domain.EventPending, 0, "", time.Now()
	return nil
}

// --- collaborators ---

type actor struct {
	id    string
	roles []string
}

func (a actor) CurrentUserID() string { return a.id }

func (a actor) HasRole(role string) bool {
	for _, r := range a.roles {
		if r == role {
			return true
		}
	}
	return false
}

type mockCoordinator struct {
	mu       sync.Mutex
	notified int
	leases   map[string]string
}

func (c *mockCoordinator) Notify(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified++
	return nil
}

func (c *mockCoordinator) Subscribe(context.Context) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (c *mockCoordinator) AcquireLease(_ context.Context, eventID, owner string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases == nil {
		c.leases = make(map[string]string)
	}
	if held, ok := c.leases[eventID]; ok && held != owner {
		return false, nil
	}
	c.leases[eventID] = owner
	return true, nil
}

func (c *mockCoordinator) ReleaseLease(_ context.Context, eventID, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases[eventID] == owner {
		delete(c.leases, eventID)
	}
	return nil
}
