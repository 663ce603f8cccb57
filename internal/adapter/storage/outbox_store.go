package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

// maxErrorLen keeps last_error readable in listings.
const maxErrorLen = 2000

type OutboxStore struct{ *Store }

var _ port.OutboxStore = (*OutboxStore)(nil)

const selectEvent = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed, processed_at,
		status, attempts, next_attempt_at, last_error
	FROM outbox_event `

func (s *OutboxStore) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE outbox_event SET status = ? WHERE status = ? AND next_attempt_at <= ?`,
		string(domain.EventPending), string(domain.EventFailed), s.dialect.timeArg(now))
	if err != nil {
		return 0, mapError("Outbox.RequeueDue", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Outbox.RequeueDue: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *OutboxStore) ClaimPending(ctx context.Context, eventTypes []string, limit int) ([]domain.OutboxEvent, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(eventTypes)+2)
	args = append(args, string(domain.EventPending))
	for _, t := range eventTypes {
		args = append(args, t)
	}
	args = append(args, limit)
	return s.list(ctx, "Outbox.ClaimPending",
		selectEvent+`WHERE status = ? AND event_type IN (`+placeholders(len(eventTypes))+`) ORDER BY created_at, id LIMIT ?`,
		args...)
}

func (s *OutboxStore) ListByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.OutboxEvent, error) {
	return s.list(ctx, "Outbox.ListByStatus", selectEvent+`WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
}

func (s *OutboxStore) Get(ctx context.Context, eventID string) (domain.OutboxEvent, error) {
	events, err := s.list(ctx, "Outbox.Get", selectEvent+`WHERE id = ?`, eventID)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	if len(events) == 0 {
		return domain.OutboxEvent{}, domain.Errorf(domain.KindAggregateNotFound, "Outbox.Get", "event %s not found", eventID)
	}
	return events[0], nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_event SET status = ?, processed = ?, processed_at = ? WHERE id = ? AND status <> ?`,
		string(domain.EventProcessed), true, s.dialect.timeArg(s.now()), eventID, string(domain.EventProcessed))
	return mapError("Outbox.MarkProcessed", err)
}

// MarkFailed and MarkDead leave an event alone once it is PROCESSED, which
// happens when another consumer applied it first.
func (s *OutboxStore) MarkFailed(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE outbox_event SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND status <> ?`,
		string(domain.EventFailed), attempts, s.dialect.timeArg(nextAttemptAt), truncate(lastError),
		eventID, string(domain.EventProcessed))
	return mapError("Outbox.MarkFailed", err)
}

func (s *OutboxStore) MarkDead(ctx context.Context, eventID string, attempts int, lastError string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE outbox_event SET status = ?, attempts = ?, last_error = ?
		WHERE id = ? AND status <> ?`,
		string(domain.EventDead), attempts, truncate(lastError), eventID, string(domain.EventProcessed))
	return mapError("Outbox.MarkDead", err)
}

func (s *OutboxStore) Requeue(ctx context.Context, eventID string) error {
	const op = "Outbox.Requeue"
	result, err := s.exec(ctx, s.db, `
		UPDATE outbox_event SET status = ?, attempts = 0, next_attempt_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`,
		string(domain.EventPending), s.dialect.timeArg(s.now()), eventID, string(domain.EventDead))
	if err != nil {
		return mapError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return domain.Errorf(domain.KindValidation, op, "event %s is not dead", eventID)
	}
	return nil
}

func (s *OutboxStore) list(ctx context.Context, op, query string, args ...any) ([]domain.OutboxEvent, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			ev          domain.OutboxEvent
			status      string
			processedAt sql.NullTime
			lastError   sql.NullString
		)
		err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &ev.Payload, &ev.CreatedAt,
			&ev.Processed, &processedAt, &status, &ev.Attempts, &ev.NextAttemptAt, &lastError)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		ev.Status = domain.EventStatus(status)
		ev.LastError = lastError.String
		if processedAt.Valid {
			t := processedAt.Time
			ev.ProcessedAt = &t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
