package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted for a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusErrored    JobStatus = "errored"
)

// Terminal reports whether no further mutation is allowed for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusErrored:
		return true
	}
	return false
}

// Priority bounds. Lower values are more urgent.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 5
)

// Job represents a unit of asynchronous generation work.
type Job struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	Type          string          `json:"job_type" db:"job_type"`
	Status        JobStatus       `json:"status" db:"status"`
	Priority      int             `json:"priority" db:"priority"`
	Parameters    json.RawMessage `json:"parameters" db:"parameters"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	WorkerID      *string         `json:"worker_id,omitempty" db:"worker_id"`
	Attempt       int             `json:"attempt" db:"attempt"`
	PreviousJobID *string         `json:"previous_job_id,omitempty" db:"previous_job_id"`
	Seq           int64           `json:"-" db:"seq"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id" db:"job_id"`
	Event    string    `json:"event" db:"event"`
	Detail   string    `json:"detail" db:"detail"`
	Recorded time.Time `json:"recorded_at" db:"ts"`
}
