// Package store defines the persistence contracts for jobs, the webhook
// event ledger and billing subscriptions, plus the Postgres implementation.
//
// Every state change is a conditional update ("... WHERE status = <expected>")
// or a unique-key insert. Backends never hold a lock longer than a single
// statement, so throughput scales with the number of workers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genqueue/internal/models"
)

var (
	// ErrValidation rejects a submission before anything is persisted.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a job or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition signals a state machine violation.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionError describes a rejected status change. Current is the state
// observed at the time of the attempt, so a losing caller can see what won.
type TransitionError struct {
	ID      string
	Current string
	Target  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s rejected for %s", ErrInvalidTransition, e.Current, e.Target, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	JobType    string
	OwnerID    string
	Priority   int
	Parameters json.RawMessage
}

// Validate normalizes p and reports submission errors wrapped in ErrValidation.
func (p *EnqueueParams) Validate() error {
	p.JobType = strings.TrimSpace(p.JobType)
	if p.JobType == "" {
		return fmt.Errorf("%w: job_type is required", ErrValidation)
	}
	trimmed := strings.TrimSpace(string(p.Parameters))
	if trimmed == "" || trimmed == "null" {
		return fmt.Errorf("%w: parameters are required", ErrValidation)
	}
	if !json.Valid(p.Parameters) {
		return fmt.Errorf("%w: parameters must be valid JSON", ErrValidation)
	}
	if p.Priority < models.MinPriority || p.Priority > models.MaxPriority {
		return fmt.Errorf("%w: priority must be within [%d, %d]", ErrValidation, models.MinPriority, models.MaxPriority)
	}
	return nil
}

// Jobs is the durable job record plus the primitives the claim protocol
// is built from.
type Jobs interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ListJobsForOwner returns the owner's jobs newest first. A nil status
	// lists every status.
	ListJobsForOwner(ctx context.Context, ownerID string, status *models.JobStatus) ([]models.Job, error)

	// ClaimCandidates returns ids of queued jobs in claim order:
	// priority ascending, then creation order.
	ClaimCandidates(ctx context.Context, limit int) ([]string, error)
	// TryClaim moves id from queued to in_progress for workerID. It reports
	// false without error when the job is no longer queued.
	TryClaim(ctx context.Context, id, workerID string) (models.Job, bool, error)

	// MarkTerminal records the outcome of an in_progress job held by
	// workerID. Exactly one of result and errMsg is stored depending on status.
	MarkTerminal(ctx context.Context, id, workerID string, status models.JobStatus, result json.RawMessage, errMsg string) (models.Job, error)
	// CancelQueued errors out a job that has not been claimed yet.
	CancelQueued(ctx context.Context, id, reason string) (models.Job, error)
	// Reenqueue creates a fresh queued attempt of an errored job.
	Reenqueue(ctx context.Context, id string) (models.Job, error)

	Heartbeat(ctx context.Context, workerID string, ids []string) error
	// ReapStale errors out in_progress jobs not touched since olderThan.
	ReapStale(ctx context.Context, olderThan time.Duration) ([]models.Job, error)
	QueueDepth(ctx context.Context) (int64, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Ledger records every inbound webhook event by its external id.
type Ledger interface {
	// RecordIfNew inserts a received record unless event id already exists.
	// The returned bool is true only for the caller whose insert won.
	RecordIfNew(ctx context.Context, eventID, eventType string, raw json.RawMessage) (models.EventRecord, bool, error)
	GetEvent(ctx context.Context, eventID string) (models.EventRecord, error)
	ListEvents(ctx context.Context, status *models.EventStatus, limit int) ([]models.EventRecord, error)

	// MarkProcessing moves received -> processing and reports whether this
	// caller won the transition.
	MarkProcessing(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, reason string) error
	// RetryFailed moves failed -> received so the event can be attempted again.
	RetryFailed(ctx context.Context, eventID string) (bool, error)
	// ReapStaleProcessing fails records stuck in processing since olderThan.
	ReapStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)
	// ReclaimStaleReceived returns up to limit records left in received since
	// olderThan, oldest first, and touches them so a concurrent sweep skips
	// them.
	ReclaimStaleReceived(ctx context.Context, olderThan time.Duration, limit int) ([]models.EventRecord, error)
}

// Subscriptions persists billing state transitions.
type Subscriptions interface {
	// UpsertSubscription writes s unless a newer event already updated the
	// customer. It reports whether the row changed.
	UpsertSubscription(ctx context.Context, s models.Subscription) (bool, error)
	GetSubscription(ctx context.Context, customerID string) (models.Subscription, error)
}

// Backend bundles every contract a storage implementation provides.
type Backend interface {
	Jobs
	Ledger
	Subscriptions
	Close()
}

// TerminalFields returns the result and error column values for a terminal
// write, enforcing that they are mutually exclusive.
func TerminalFields(status models.JobStatus, result json.RawMessage, errMsg string) (json.RawMessage, *string, error) {
	switch status {
	case models.StatusCompleted:
		if len(result) == 0 {
			result = json.RawMessage(`null`)
		}
		return result, nil, nil
	case models.StatusErrored:
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return nil, &errMsg, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}
}

// CancelMessage formats the error_message stored on a cancelled job.
func CancelMessage(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested"
	}
	return "cancelled: " + reason
}

// StaleMessage is stored on jobs reaped after losing their worker.
const StaleMessage = "worker lost heartbeat"

// AbandonedMessage is stored on events reaped while stuck in processing.
const AbandonedMessage = "abandoned while processing"

func ptr[T any](v T) *T { return &v }
