package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/site-ledger/internal/core/domain"
)

// HandlerFunc applies one outbox event. A nil return means the effect and the
// processed marker were stored together.
type HandlerFunc func(ctx context.Context, ev domain.OutboxEvent) error

// Handlers returns the event types this service consumes, bound to consumer.
// Wallet events are left to downstream reporting.
func (s *LedgerService) Handlers(consumer string) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		domain.EventMaterialConsumed: func(ctx context.Context, ev domain.OutboxEvent) error {
			return s.ApplyMaterialConsumed(ctx, consumer, ev)
		},
		domain.EventMaterialTransferred: func(ctx context.Context, ev domain.OutboxEvent) error {
			return s.ApplyMaterialTransferred(ctx, consumer, ev)
		},
	}
}

// ApplyMaterialConsumed executes the actual cost of an issue against its
// budget line, at most once per consumer.
func (s *LedgerService) ApplyMaterialConsumed(ctx context.Context, consumer string, ev domain.OutboxEvent) error {
	const op = "Consumer.MaterialConsumed"
	var p domain.MaterialConsumed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{attribute.String("event_id", ev.ID), attribute.String("budget_line_id", p.BudgetLineID)}
	return s.run(ctx, op, attrs, func(ctx context.Context) error {
		if err := s.alreadyApplied(ctx, s.lines.IsApplied, op, consumer, ev); err != nil {
			return err
		}
		line, err := s.lines.Load(ctx, p.BudgetLineID)
		if err != nil {
			return applicationFailure(op, ev, err)
		}
		expected := line.Version
		if p.ActualCost.IsPositive() {
			if err := line.Execute(p.ActualCost); err != nil {
				return applicationFailure(op, ev, err)
			}
		}
		line.MarkApplied(consumer, ev.ID)
		return s.lines.Save(ctx, line, expected)
	})
}

// ApplyMaterialTransferred receives transferred stock on the destination
// project at the source's average cost.
func (s *LedgerService) ApplyMaterialTransferred(ctx context.Context, consumer string, ev domain.OutboxEvent) error {
	const op = "Consumer.MaterialTransferred"
	var p domain.MaterialTransferred
	if err := ev.Decode(&p); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{attribute.String("event_id", ev.ID), attribute.String("project_id", p.DestinationProjectID)}
	return s.run(ctx, op, attrs, func(ctx context.Context) error {
		if err := s.alreadyApplied(ctx, s.inventory.IsApplied, op, consumer, ev); err != nil {
			return err
		}
		pos, err := s.inventory.LoadByResource(ctx, p.DestinationProjectID, p.ResourceID)
		isNew := domain.IsKind(err, domain.KindAggregateNotFound)
		switch {
		case isNew:
			if pos, err = domain.NewInventoryPosition(p.DestinationProjectID, p.ResourceID); err != nil {
				return applicationFailure(op, ev, err)
			}
		case err != nil:
			return err
		}
		expected := pos.Version
		if _, err := pos.Receive(p.Quantity, p.UnitCost, transferRef(p)); err != nil {
			return applicationFailure(op, ev, err)
		}
		pos.MarkApplied(consumer, ev.ID)
		if isNew {
			return s.inventory.Create(ctx, pos)
		}
		return s.inventory.Save(ctx, pos, expected)
	})
}

func (s *LedgerService) alreadyApplied(ctx context.Context, check func(context.Context, string, string) (bool, error), op, consumer string, ev domain.OutboxEvent) error {
	applied, err := check(ctx, consumer, ev.ID)
	if err != nil {
		return err
	}
	if applied {
		return domain.Errorf(domain.KindAlreadyApplied, op, "event %s already applied by %s", ev.ID, consumer)
	}
	return nil
}

func applicationFailure(op string, ev domain.OutboxEvent, err error) error {
	if domain.IsRetryable(err) {
		return err
	}
	return domain.NewError(domain.KindEventApplicationFailure, op, fmt.Sprintf("event %s (%s)", ev.ID, ev.EventType), err)
}

func transferRef(p domain.MaterialTransferred) string {
	if p.Reference != "" {
		return p.Reference
	}
	return "transfer:" + p.TransferID
}
