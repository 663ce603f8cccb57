package service

import (
	"context"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

// OutboxAdmin is the operator view of the outbox: inspect parked events and
// put them back in line once the cause is fixed.
type OutboxAdmin struct {
	outbox      port.OutboxStore
	coordinator port.EventCoordinator
	log         *logger.Logger
}

func NewOutboxAdmin(outbox port.OutboxStore, coordinator port.EventCoordinator, log *logger.Logger) *OutboxAdmin {
	if log == nil {
		log = logger.Nop()
	}
	return &OutboxAdmin{outbox: outbox, coordinator: coordinator, log: log.With("component", "outbox_admin")}
}

func (a *OutboxAdmin) List(ctx context.Context, status domain.EventStatus, limit int) ([]domain.OutboxEvent, error) {
	switch status {
	case domain.EventPending, domain.EventFailed, domain.EventProcessed, domain.EventDead:
	default:
		return nil, domain.Errorf(domain.KindValidation, "Outbox.List", "unknown status %q", status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return a.outbox.ListByStatus(ctx, status, limit)
}

// Requeue resets a DEAD event so the consumer picks it up again.
func (a *OutboxAdmin) Requeue(ctx context.Context, eventID string) (domain.OutboxEvent, error) {
	const op = "Outbox.Requeue"
	ev, err := a.outbox.Get(ctx, eventID)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	if ev.Status != domain.EventDead {
		return domain.OutboxEvent{}, domain.Errorf(domain.KindValidation, op, "event %s is %s, only DEAD events can be requeued", eventID, ev.Status)
	}
	if err := a.outbox.Requeue(ctx, eventID); err != nil {
		return domain.OutboxEvent{}, err
	}
	a.log.Info("dead event requeued", "event_id", eventID, "event_type", ev.EventType, "previous_error", ev.LastError)
	if a.coordinator != nil {
		if err := a.coordinator.Notify(ctx); err != nil {
			a.log.Debug("outbox notify failed", "error", err)
		}
	}
	return a.outbox.Get(ctx, eventID)
}
