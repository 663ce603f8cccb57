package port

import (
	"context"
	"time"

	"github.com/rl1809/site-ledger/internal/core/domain"
)

type OutboxStore interface {
	// RequeueDue moves FAILED events whose backoff has elapsed back to PENDING.
	RequeueDue(ctx context.Context, now time.Time) (int, error)

	// ClaimPending returns up to limit PENDING events of the given types,
	// oldest first.
	ClaimPending(ctx context.Context, eventTypes []string, limit int) ([]domain.OutboxEvent, error)

	// MarkProcessed is used when the effect is already stored (duplicate delivery).
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a failed attempt and schedules the next one.
	MarkFailed(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkDead parks an event until an operator requeues it.
	MarkDead(ctx context.Context, eventID string, attempts int, lastError string) error

	ListByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.OutboxEvent, error)

	Get(ctx context.Context, eventID string) (domain.OutboxEvent, error)

	// Requeue resets a DEAD event to PENDING with zero attempts.
	Requeue(ctx context.Context, eventID string) error
}

// EventCoordinator wakes consumers when events are written and keeps two
// consumer processes from working the same event at once.
type EventCoordinator interface {
	// Notify is best effort; the consumer also polls.
	Notify(ctx context.Context) error

	// Subscribe delivers a signal per notification until ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)

	// AcquireLease returns false if another owner holds the event.
	AcquireLease(ctx context.Context, eventID, owner string, ttl time.Duration) (bool, error)

	ReleaseLease(ctx context.Context, eventID, owner string) error
}
