package port

import (
	"context"

	"github.com/rl1809/site-ledger/internal/core/domain"
)

// AggregateStore loads and saves one kind of aggregate root together with its
// movements, outbox events and applied-event markers.
type AggregateStore[T any] interface {
	// Load returns the root at its stored version, or KindAggregateNotFound.
	Load(ctx context.Context, id string) (T, error)

	// Create inserts a new root at version 0. A duplicate natural key is
	// reported as KindOptimisticConflict so the caller re-reads.
	Create(ctx context.Context, agg T) error

	// Save persists the root only if its stored version still equals
	// expectedVersion, otherwise KindOptimisticConflict.
	Save(ctx context.Context, agg T, expectedVersion int64) error

	// IsApplied reports whether consumer already applied eventID.
	IsApplied(ctx context.Context, consumer, eventID string) (bool, error)
}

type WalletStore interface {
	AggregateStore[*domain.CashWallet]

	// LoadByProject returns the wallet of a project, or KindAggregateNotFound.
	LoadByProject(ctx context.Context, projectID string) (*domain.CashWallet, error)
}

type BudgetLineStore interface {
	AggregateStore[*domain.BudgetLine]
}

type InventoryStore interface {
	AggregateStore[*domain.InventoryPosition]

	// LoadByResource returns the position of a (project, resource) pair, or
	// KindAggregateNotFound.
	LoadByResource(ctx context.Context, projectID, resourceID string) (*domain.InventoryPosition, error)
}
