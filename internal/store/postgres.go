package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genqueue/internal/models"
)

// Compile-time check that Store implements Backend.
var _ Backend = (*Store)(nil)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, owner_id, job_type, status, priority, parameters, result, error_message,
	worker_id, attempt, previous_job_id, seq, created_at, updated_at, started_at, completed_at`

// Enqueue inserts a queued job row.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if err := p.Validate(); err != nil {
		return models.Job{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, owner_id, job_type, status, priority, parameters, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		RETURNING `+jobColumns,
		uuid.New().String(), p.OwnerID, p.JobType, models.StatusQueued, p.Priority, []byte(p.Parameters),
	)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := appendAudit(ctx, tx, job.ID, "enqueued", fmt.Sprintf("owner=%s priority=%d", job.OwnerID, job.Priority)); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobsForOwner returns the owner's jobs newest first.
func (s *Store) ListJobsForOwner(ctx context.Context, ownerID string, status *models.JobStatus) ([]models.Job, error) {
	var filter *string
	if status != nil {
		filter = ptr(string(*status))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, seq DESC
	`, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimCandidates returns queued job ids in claim order.
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT $2
	`, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan claim candidates: %w", err)
	}
	return ids, nil
}

// TryClaim is the compare-and-swap half of the claim protocol. Under
// concurrent updates of the same row Postgres re-evaluates the status
// predicate after the first writer commits, so only one claimant sees a row.
func (s *Store) TryClaim(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, worker_id = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, workerID, models.StatusInProgress, models.StatusQueued,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, true, nil
}

// MarkTerminal transitions an in_progress job held by workerID to a terminal status.
func (s *Store) MarkTerminal(ctx context.Context, id, workerID string, status models.JobStatus, result json.RawMessage, errMsg string) (models.Job, error) {
	res, msg, err := TerminalFields(status, result, errMsg)
	if err != nil {
		return models.Job{}, err
	}
	var resArg any
	if res != nil {
		resArg = []byte(res)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, result = $4, error_message = $5, worker_id = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $6 AND worker_id = $2
		RETURNING `+jobColumns,
		id, workerID, status, resArg, msg, models.StatusInProgress,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.transitionError(ctx, id, string(status))
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("mark job %s %s: %w", id, status, err)
	}
	if err := appendAudit(ctx, tx, id, string(status), "worker="+workerID); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// CancelQueued sets a queued job to errored with a cancellation reason.
func (s *Store) CancelQueued(ctx context.Context, id, reason string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, models.StatusErrored, CancelMessage(reason), models.StatusQueued,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.transitionError(ctx, id, string(models.StatusErrored))
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if err := s.AppendAudit(ctx, id, "cancelled", CancelMessage(reason)); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// Reenqueue inserts a new queued attempt that references the errored job id.
// The partial unique index on previous_job_id allows one follow-up per attempt.
func (s *Store) Reenqueue(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (id, owner_id, job_type, status, priority, parameters, attempt, previous_job_id, created_at, updated_at)
		SELECT $2, owner_id, job_type, $3, priority, parameters, attempt + 1, id, NOW(), NOW()
		FROM jobs WHERE id = $1 AND status = $4
		ON CONFLICT (previous_job_id) WHERE previous_job_id IS NOT NULL DO NOTHING
		RETURNING `+jobColumns,
		id, uuid.New().String(), models.StatusQueued, models.StatusErrored,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.reenqueueError(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("reenqueue job %s: %w", id, err)
	}
	if err := appendAudit(ctx, tx, id, "reenqueued", "next="+job.ID); err != nil {
		return models.Job{}, err
	}
	if err := appendAudit(ctx, tx, job.ID, "enqueued", fmt.Sprintf("previous=%s attempt=%d", id, job.Attempt)); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes updated_at for jobs still held by workerID.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET updated_at = NOW()
		WHERE id = ANY($1) AND worker_id = $2 AND status = $3
	`, ids, workerID, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ReapStale errors out in_progress jobs whose worker stopped heartbeating.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, error_message = $2, worker_id = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND updated_at < $4
		RETURNING `+jobColumns,
		models.StatusErrored, StaleMessage, models.StatusInProgress, time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if err := s.AppendAudit(ctx, j.ID, "reaped", StaleMessage); err != nil {
			return jobs, err
		}
	}
	return jobs, nil
}

// QueueDepth returns the number of queued jobs.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	return appendAudit(ctx, s.pool, jobID, event, detail)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendAudit(ctx context.Context, db execer, jobID, event, detail string) error {
	if _, err := db.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) transitionError(ctx context.Context, id, target string) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{ID: id, Current: string(current.Status), Target: target}
}

func (s *Store) reenqueueError(ctx context.Context, id string) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	state := string(current.Status)
	if current.Status == models.StatusErrored {
		state += " (already re-enqueued)"
	}
	return &TransitionError{ID: id, Current: state, Target: string(models.StatusQueued)}
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                      models.Job
		status                   string
		params, result           []byte
		errMsg, workerID, prevID pgtype.Text
	)
	if err := row.Scan(
		&job.ID, &job.OwnerID, &job.Type, &status, &job.Priority, &params, &result, &errMsg,
		&workerID, &job.Attempt, &prevID, &job.Seq, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Parameters = json.RawMessage(params)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.ErrorMessage = textPtr(errMsg)
	job.WorkerID = textPtr(workerID)
	job.PreviousJobID = textPtr(prevID)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
