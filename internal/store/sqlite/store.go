// Package sqlite implements store.Backend on a single SQLite file.
//
// The pool is capped at one connection, so every statement and transaction
// is serialized and the conditional updates behave exactly like their
// Postgres counterparts. Timestamps are stored as UTC unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"genqueue/internal/models"
	"genqueue/internal/store"
)

//go:embed schema.sql
var schema string

var _ store.Backend = (*Store)(nil)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open creates the database file (and its directory) if needed and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path not set")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() {
	s.db.Close() //nolint:errcheck
}

type jobRow struct {
	Seq           int64          `db:"seq"`
	ID            string         `db:"id"`
	OwnerID       string         `db:"owner_id"`
	Type          string         `db:"job_type"`
	Status        string         `db:"status"`
	Priority      int            `db:"priority"`
	Parameters    []byte         `db:"parameters"`
	Result        []byte         `db:"result"`
	ErrorMessage  sql.NullString `db:"error_message"`
	WorkerID      sql.NullString `db:"worker_id"`
	Attempt       int            `db:"attempt"`
	PreviousJobID sql.NullString `db:"previous_job_id"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
	StartedAt     sql.NullInt64  `db:"started_at"`
	CompletedAt   sql.NullInt64  `db:"completed_at"`
}

func (r jobRow) model() models.Job {
	j := models.Job{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Type:          r.Type,
		Status:        models.JobStatus(r.Status),
		Priority:      r.Priority,
		Parameters:    json.RawMessage(r.Parameters),
		ErrorMessage:  nullString(r.ErrorMessage),
		WorkerID:      nullString(r.WorkerID),
		Attempt:       r.Attempt,
		PreviousJobID: nullString(r.PreviousJobID),
		Seq:           r.Seq,
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
		StartedAt:     nullTime(r.StartedAt),
		CompletedAt:   nullTime(r.CompletedAt),
	}
	if r.Result != nil {
		j.Result = json.RawMessage(r.Result)
	}
	return j
}

type eventRow struct {
	EventID     string         `db:"event_id"`
	EventType   string         `db:"event_type"`
	RawPayload  []byte         `db:"raw_payload"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
	ReceivedAt  int64          `db:"received_at"`
	UpdatedAt   int64          `db:"updated_at"`
	ProcessedAt sql.NullInt64  `db:"processed_at"`
}

func (r eventRow) model() models.EventRecord {
	return models.EventRecord{
		EventID:     r.EventID,
		EventType:   r.EventType,
		RawPayload:  json.RawMessage(r.RawPayload),
		Status:      models.EventStatus(r.Status),
		Attempts:    r.Attempts,
		LastError:   nullString(r.LastError),
		ReceivedAt:  fromNanos(r.ReceivedAt),
		UpdatedAt:   fromNanos(r.UpdatedAt),
		ProcessedAt: nullTime(r.ProcessedAt),
	}
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (s *Store) Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error) {
	if err := p.Validate(); err != nil {
		return models.Job{}, err
	}
	var job models.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		id := uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_id, job_type, status, priority, parameters, attempt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			id, p.OwnerID, p.JobType, models.StatusQueued, p.Priority, []byte(p.Parameters), now, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := s.audit(ctx, tx, id, "enqueued", fmt.Sprintf("owner=%s priority=%d", p.OwnerID, p.Priority)); err != nil {
			return err
		}
		var err error
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *Store) ListJobsForOwner(ctx context.Context, ownerID string, status *models.JobStatus) ([]models.Job, error) {
	query := `SELECT * FROM jobs WHERE owner_id = ?`
	args := []any{ownerID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]models.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.model()
	}
	return jobs, nil
}

func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT ?`, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	return ids, nil
}

func (s *Store) TryClaim(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	var (
		job models.Job
		ok  bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, worker_id = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			models.StatusInProgress, workerID, now, now, id, models.StatusQueued)
		if err != nil {
			return fmt.Errorf("claim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		ok = true
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, ok, err
}

func (s *Store) MarkTerminal(ctx context.Context, id, workerID string, status models.JobStatus, result json.RawMessage, errMsg string) (models.Job, error) {
	res, msg, err := store.TerminalFields(status, result, errMsg)
	if err != nil {
		return models.Job{}, err
	}
	var resArg any
	if res != nil {
		resArg = []byte(res)
	}
	var job models.Job
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		out, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, result = ?, error_message = ?, worker_id = NULL, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND worker_id = ?`,
			status, resArg, msg, now, now, id, models.StatusInProgress, workerID)
		if err != nil {
			return fmt.Errorf("mark job %s %s: %w", id, status, err)
		}
		if n, _ := out.RowsAffected(); n != 1 {
			return transitionError(ctx, tx, id, string(status))
		}
		if err := s.audit(ctx, tx, id, string(status), "worker="+workerID); err != nil {
			return err
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

func (s *Store) CancelQueued(ctx context.Context, id, reason string) (models.Job, error) {
	msg := store.CancelMessage(reason)
	var job models.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		out, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			models.StatusErrored, msg, now, now, id, models.StatusQueued)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", id, err)
		}
		if n, _ := out.RowsAffected(); n != 1 {
			return transitionError(ctx, tx, id, string(models.StatusErrored))
		}
		if err := s.audit(ctx, tx, id, "cancelled", msg); err != nil {
			return err
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

func (s *Store) Reenqueue(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if prev.Status != models.StatusErrored {
			return &store.TransitionError{ID: id, Current: string(prev.Status), Target: string(models.StatusQueued)}
		}
		var followups int
		if err := tx.GetContext(ctx, &followups, `SELECT COUNT(*) FROM jobs WHERE previous_job_id = ?`, id); err != nil {
			return fmt.Errorf("check re-enqueue: %w", err)
		}
		if followups > 0 {
			return &store.TransitionError{ID: id, Current: string(prev.Status) + " (already re-enqueued)", Target: string(models.StatusQueued)}
		}

		now := s.nanos()
		nextID := uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_id, job_type, status, priority, parameters, attempt, previous_job_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nextID, prev.OwnerID, prev.Type, models.StatusQueued, prev.Priority, []byte(prev.Parameters),
			prev.Attempt+1, id, now, now,
		); err != nil {
			return fmt.Errorf("reenqueue job %s: %w", id, err)
		}
		if err := s.audit(ctx, tx, id, "reenqueued", "next="+nextID); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, nextID, "enqueued", fmt.Sprintf("previous=%s attempt=%d", id, prev.Attempt+1)); err != nil {
			return err
		}
		job, err = getJob(ctx, tx, nextID)
		return err
	})
	return job, err
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE jobs SET updated_at = ?
		WHERE worker_id = ? AND status = ? AND id IN (?)`,
		s.nanos(), workerID, models.StatusInProgress, ids)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) ([]models.Job, error) {
	var reaped []models.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		var ids []string
		if err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM jobs WHERE status = ? AND updated_at < ?`,
			models.StatusInProgress, now.Add(-olderThan).UnixNano()); err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, error_message = ?, worker_id = NULL, completed_at = ?, updated_at = ?
				WHERE id = ?`,
				models.StatusErrored, store.StaleMessage, now.UnixNano(), now.UnixNano(), id); err != nil {
				return fmt.Errorf("reap job %s: %w", id, err)
			}
			if err := s.audit(ctx, tx, id, "reaped", store.StaleMessage); err != nil {
				return err
			}
			job, err := getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			reaped = append(reaped, job)
		}
		return nil
	})
	return reaped, err
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE status = ?`, models.StatusQueued); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	return s.audit(ctx, s.db, jobID, event, detail)
}

// AuditLog returns the audit rows recorded for jobID in insertion order.
func (s *Store) AuditLog(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	var rows []struct {
		JobID  string `db:"job_id"`
		Event  string `db:"event"`
		Detail string `db:"detail"`
		TS     int64  `db:"ts"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id`, jobID); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	out := make([]models.AuditLog, len(rows))
	for i, r := range rows {
		out[i] = models.AuditLog{JobID: r.JobID, Event: r.Event, Detail: r.Detail, Recorded: fromNanos(r.TS)}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Event ledger
// ──────────────────────────────────────────────────

func (s *Store) RecordIfNew(ctx context.Context, eventID, eventType string, raw json.RawMessage) (models.EventRecord, bool, error) {
	var (
		rec     models.EventRecord
		created bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_events (event_id, event_type, raw_payload, status, attempts, received_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`,
			eventID, eventType, []byte(raw), models.EventReceived, now, now)
		if err != nil {
			return fmt.Errorf("record event %s: %w", eventID, err)
		}
		n, _ := res.RowsAffected()
		created = n == 1
		rec, err = getEvent(ctx, tx, eventID)
		return err
	})
	return rec, created, err
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (models.EventRecord, error) {
	return getEvent(ctx, s.db, eventID)
}

func (s *Store) ListEvents(ctx context.Context, status *models.EventStatus, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM webhook_events`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY received_at DESC, event_id LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]models.EventRecord, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE event_id = ? AND status = ?`,
		models.EventProcessing, s.nanos(), eventID, models.EventReceived)
	if err != nil {
		return false, fmt.Errorf("mark event %s processing: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nanos()
		res, err := tx.ExecContext(ctx, `
			UPDATE webhook_events SET status = ?, last_error = NULL, processed_at = ?, updated_at = ?
			WHERE event_id = ? AND status = ?`,
			models.EventProcessed, now, now, eventID, models.EventProcessing)
		if err != nil {
			return fmt.Errorf("mark event %s processed: %w", eventID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return eventTransitionError(ctx, tx, eventID, models.EventProcessed)
		}
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, eventID, reason string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE webhook_events SET status = ?, last_error = ?, updated_at = ?
			WHERE event_id = ? AND status = ?`,
			models.EventFailed, reason, s.nanos(), eventID, models.EventProcessing)
		if err != nil {
			return fmt.Errorf("mark event %s failed: %w", eventID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return eventTransitionError(ctx, tx, eventID, models.EventFailed)
		}
		return nil
	})
}

func (s *Store) RetryFailed(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, updated_at = ?
		WHERE event_id = ? AND status = ?`,
		models.EventReceived, s.nanos(), eventID, models.EventFailed)
	if err != nil {
		return false, fmt.Errorf("retry event %s: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) ReapStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		models.EventFailed, store.AbandonedMessage, now.UnixNano(), models.EventProcessing, now.Add(-olderThan).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("reap stale events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) ReclaimStaleReceived(ctx context.Context, olderThan time.Duration, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.EventRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		var rows []eventRow
		if err := tx.SelectContext(ctx, &rows, `
			SELECT * FROM webhook_events
			WHERE status = ? AND updated_at < ?
			ORDER BY updated_at, event_id LIMIT ?`,
			models.EventReceived, now.Add(-olderThan).UnixNano(), limit); err != nil {
			return fmt.Errorf("reclaim stale events: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `UPDATE webhook_events SET updated_at = ? WHERE event_id = ?`,
				now.UnixNano(), r.EventID); err != nil {
				return fmt.Errorf("reclaim event %s: %w", r.EventID, err)
			}
			rec := r.model()
			rec.UpdatedAt = fromNanos(now.UnixNano())
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (customer_id, subscription_id, status, plan, event_id, event_created, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id) DO UPDATE
		SET subscription_id = excluded.subscription_id,
		    status = excluded.status,
		    plan = excluded.plan,
		    event_id = excluded.event_id,
		    event_created = excluded.event_created,
		    updated_at = excluded.updated_at
		WHERE subscriptions.event_created <= excluded.event_created`,
		sub.CustomerID, sub.SubscriptionID, sub.Status, sub.Plan, sub.EventID, sub.EventCreated.UnixNano(), s.nanos())
	if err != nil {
		return false, fmt.Errorf("upsert subscription %s: %w", sub.CustomerID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) GetSubscription(ctx context.Context, customerID string) (models.Subscription, error) {
	var row struct {
		CustomerID     string `db:"customer_id"`
		SubscriptionID string `db:"subscription_id"`
		Status         string `db:"status"`
		Plan           string `db:"plan"`
		EventID        string `db:"event_id"`
		EventCreated   int64  `db:"event_created"`
		UpdatedAt      int64  `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM subscriptions WHERE customer_id = ?`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", customerID, store.ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return models.Subscription{
		CustomerID:     row.CustomerID,
		SubscriptionID: row.SubscriptionID,
		Status:         row.Status,
		Plan:           row.Plan,
		EventID:        row.EventID,
		EventCreated:   fromNanos(row.EventCreated),
		UpdatedAt:      fromNanos(row.UpdatedAt),
	}, nil
}

// ──────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) nanos() int64 { return s.now().UnixNano() }

func (s *Store) audit(ctx context.Context, db sqlx.ExecerContext, jobID, event, detail string) error {
	if _, err := db.ExecContext(ctx, `INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)`,
		jobID, event, detail, s.nanos()); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (models.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return row.model(), nil
}

func getEvent(ctx context.Context, q sqlx.QueryerContext, eventID string) (models.EventRecord, error) {
	var row eventRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM webhook_events WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EventRecord{}, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("get event: %w", err)
	}
	return row.model(), nil
}

func transitionError(ctx context.Context, q sqlx.QueryerContext, id, target string) error {
	current, err := getJob(ctx, q, id)
	if err != nil {
		return err
	}
	return &store.TransitionError{ID: id, Current: string(current.Status), Target: target}
}

func eventTransitionError(ctx context.Context, q sqlx.QueryerContext, eventID string, target models.EventStatus) error {
	current, err := getEvent(ctx, q, eventID)
	if err != nil {
		return err
	}
	return &store.TransitionError{ID: eventID, Current: string(current.Status), Target: string(target)}
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
