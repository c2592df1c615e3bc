package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"genqueue/internal/models"
)

const eventColumns = `event_id, event_type, raw_payload, status, attempts, last_error, received_at, updated_at, processed_at`

// RecordIfNew inserts the event as received. The primary key on event_id
// decides the race between concurrent deliveries of the same event.
func (s *Store) RecordIfNew(ctx context.Context, eventID, eventType string, raw json.RawMessage) (models.EventRecord, bool, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (event_id, event_type, raw_payload, status, attempts, received_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		ON CONFLICT (event_id) DO NOTHING
		RETURNING `+eventColumns,
		eventID, eventType, []byte(raw), models.EventReceived,
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.EventRecord{}, false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	existing, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return models.EventRecord{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (models.EventRecord, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EventRecord{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("get event: %w", err)
	}
	return rec, nil
}

func (s *Store) ListEvents(ctx context.Context, status *models.EventStatus, limit int) ([]models.EventRecord, error) {
	var filter *string
	if status != nil {
		filter = ptr(string(*status))
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY received_at DESC
		LIMIT $2
	`, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE event_id = $1 AND status = $3
	`, eventID, models.EventProcessing, models.EventReceived)
	if err != nil {
		return false, fmt.Errorf("mark event %s processing: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, last_error = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE event_id = $1 AND status = $3
	`, eventID, models.EventProcessed, models.EventProcessing)
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.eventTransitionError(ctx, eventID, models.EventProcessed)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, eventID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE event_id = $1 AND status = $4
	`, eventID, models.EventFailed, reason, models.EventProcessing)
	if err != nil {
		return fmt.Errorf("mark event %s failed: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.eventTransitionError(ctx, eventID, models.EventFailed)
	}
	return nil
}

func (s *Store) RetryFailed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, updated_at = NOW()
		WHERE event_id = $1 AND status = $3
	`, eventID, models.EventReceived, models.EventFailed)
	if err != nil {
		return false, fmt.Errorf("retry event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReapStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < $4
	`, models.EventFailed, AbandonedMessage, models.EventProcessing, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reap stale events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimStaleReceived touches and returns received events older than
// olderThan. SKIP LOCKED keeps two sweepers from reclaiming the same row.
func (s *Store) ReclaimStaleReceived(ctx context.Context, olderThan time.Duration, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_events
		SET updated_at = NOW()
		WHERE event_id IN (
			SELECT event_id FROM webhook_events
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) AND status = $1
		RETURNING `+eventColumns,
		models.EventReceived, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale events: %w", err)
	}
	defer rows.Close()
	var out []models.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertSubscription applies s unless the stored row came from a later event.
func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (customer_id, subscription_id, status, plan, event_id, event_created, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (customer_id) DO UPDATE
		SET subscription_id = EXCLUDED.subscription_id,
		    status = EXCLUDED.status,
		    plan = EXCLUDED.plan,
		    event_id = EXCLUDED.event_id,
		    event_created = EXCLUDED.event_created,
		    updated_at = NOW()
		WHERE subscriptions.event_created <= EXCLUDED.event_created
	`, sub.CustomerID, sub.SubscriptionID, sub.Status, sub.Plan, sub.EventID, sub.EventCreated.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert subscription %s: %w", sub.CustomerID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetSubscription(ctx context.Context, customerID string) (models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT customer_id, subscription_id, status, plan, event_id, event_created, updated_at
		FROM subscriptions WHERE customer_id = $1
	`, customerID).Scan(&sub.CustomerID, &sub.SubscriptionID, &sub.Status, &sub.Plan, &sub.EventID, &sub.EventCreated, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", customerID, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) eventTransitionError(ctx context.Context, eventID string, target models.EventStatus) error {
	current, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	return &TransitionError{ID: eventID, Current: string(current.Status), Target: string(target)}
}

func scanEvent(row pgx.Row) (models.EventRecord, error) {
	var (
		rec     models.EventRecord
		status  string
		raw     []byte
		lastErr pgtype.Text
	)
	if err := row.Scan(&rec.EventID, &rec.EventType, &raw, &status, &rec.Attempts, &lastErr,
		&rec.ReceivedAt, &rec.UpdatedAt, &rec.ProcessedAt); err != nil {
		return models.EventRecord{}, err
	}
	rec.Status = models.EventStatus(status)
	rec.RawPayload = json.RawMessage(raw)
	rec.LastError = textPtr(lastErr)
	return rec, nil
}
