// Package memory is an in-process implementation of store.Backend.
// Safe for concurrent access. Intended for unit tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genqueue/internal/models"
	"genqueue/internal/store"
)

var _ store.Backend = (*Store)(nil)

// Store keeps every table in maps guarded by one mutex, so each method
// behaves like a single-statement transaction.
type Store struct {
	mu sync.Mutex

	jobs   map[string]*models.Job
	audit  []models.AuditLog
	events map[string]*models.EventRecord
	subs   map[string]*models.Subscription
	// next job seq
	seq int64

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*models.Job),
		events: make(map[string]*models.EventRecord),
		subs:   make(map[string]*models.Subscription),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for timestamps.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Close is a no-op for the memory store.
func (m *Store) Close() {}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (m *Store) Enqueue(_ context.Context, p store.EnqueueParams) (models.Job, error) {
	if err := p.Validate(); err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	j := &models.Job{
		ID:         uuid.New().String(),
		OwnerID:    p.OwnerID,
		Type:       p.JobType,
		Status:     models.StatusQueued,
		Priority:   p.Priority,
		Parameters: cloneRaw(p.Parameters),
		Attempt:    1,
		Seq:        m.seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[j.ID] = j
	m.auditLocked(j.ID, "enqueued", fmt.Sprintf("owner=%s priority=%d", j.OwnerID, j.Priority))
	return copyJob(j), nil
}

func (m *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return copyJob(j), nil
}

func (m *Store) ListJobsForOwner(_ context.Context, ownerID string, status *models.JobStatus) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, j := range m.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].Seq > out[b].Seq
	})
	return out, nil
}

func (m *Store) ClaimCandidates(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued {
			queued = append(queued, j)
		}
	}
	// priority ASC, then insertion order
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].Priority != queued[b].Priority {
			return queued[a].Priority < queued[b].Priority
		}
		return queued[a].Seq < queued[b].Seq
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	ids := make([]string, len(queued))
	for i, j := range queued {
		ids[i] = j.ID
	}
	return ids, nil
}

func (m *Store) TryClaim(_ context.Context, id, workerID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusQueued {
		return models.Job{}, false, nil
	}
	now := m.now()
	j.Status = models.StatusInProgress
	j.WorkerID = &workerID
	j.StartedAt = &now
	j.UpdatedAt = now
	return copyJob(j), true, nil
}

func (m *Store) MarkTerminal(_ context.Context, id, workerID string, status models.JobStatus, result json.RawMessage, errMsg string) (models.Job, error) {
	res, msg, err := store.TerminalFields(status, result, errMsg)
	if err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Status != models.StatusInProgress || j.WorkerID == nil || *j.WorkerID != workerID {
		return models.Job{}, &store.TransitionError{ID: id, Current: string(j.Status), Target: string(status)}
	}
	now := m.now()
	j.Status = status
	j.Result = cloneRaw(res)
	j.ErrorMessage = msg
	j.WorkerID = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	m.auditLocked(id, string(status), "worker="+workerID)
	return copyJob(j), nil
}

func (m *Store) CancelQueued(_ context.Context, id, reason string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Status != models.StatusQueued {
		return models.Job{}, &store.TransitionError{ID: id, Current: string(j.Status), Target: string(models.StatusErrored)}
	}
	now := m.now()
	msg := store.CancelMessage(reason)
	j.Status = models.StatusErrored
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	j.UpdatedAt = now
	m.auditLocked(id, "cancelled", msg)
	return copyJob(j), nil
}

func (m *Store) Reenqueue(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if prev.Status != models.StatusErrored {
		return models.Job{}, &store.TransitionError{ID: id, Current: string(prev.Status), Target: string(models.StatusQueued)}
	}
	for _, j := range m.jobs {
		if j.PreviousJobID != nil && *j.PreviousJobID == id {
			return models.Job{}, &store.TransitionError{ID: id, Current: string(prev.Status) + " (already re-enqueued)", Target: string(models.StatusQueued)}
		}
	}

	now := m.now()
	m.seq++
	prevID := prev.ID
	j := &models.Job{
		ID:            uuid.New().String(),
		OwnerID:       prev.OwnerID,
		Type:          prev.Type,
		Status:        models.StatusQueued,
		Priority:      prev.Priority,
		Parameters:    cloneRaw(prev.Parameters),
		Attempt:       prev.Attempt + 1,
		PreviousJobID: &prevID,
		Seq:           m.seq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.jobs[j.ID] = j
	m.auditLocked(id, "reenqueued", "next="+j.ID)
	m.auditLocked(j.ID, "enqueued", fmt.Sprintf("previous=%s attempt=%d", id, j.Attempt))
	return copyJob(j), nil
}

func (m *Store) Heartbeat(_ context.Context, workerID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok || j.Status != models.StatusInProgress || j.WorkerID == nil || *j.WorkerID != workerID {
			continue
		}
		j.UpdatedAt = now
	}
	return nil
}

func (m *Store) ReapStale(_ context.Context, olderThan time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)
	var reaped []models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusInProgress || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := store.StaleMessage
		j.Status = models.StatusErrored
		j.ErrorMessage = &msg
		j.WorkerID = nil
		j.CompletedAt = &now
		j.UpdatedAt = now
		m.auditLocked(j.ID, "reaped", msg)
		reaped = append(reaped, copyJob(j))
	}
	return reaped, nil
}

func (m *Store) QueueDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued {
			n++
		}
	}
	return n, nil
}

func (m *Store) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(jobID, event, detail)
	return nil
}

// AuditLog returns the audit rows recorded for jobID in insertion order.
func (m *Store) AuditLog(jobID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Store) auditLocked(jobID, event, detail string) {
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
}

// ──────────────────────────────────────────────────
// Event ledger
// ──────────────────────────────────────────────────

func (m *Store) RecordIfNew(_ context.Context, eventID, eventType string, raw json.RawMessage) (models.EventRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.events[eventID]; ok {
		return copyEvent(rec), false, nil
	}
	now := m.now()
	rec := &models.EventRecord{
		EventID:    eventID,
		EventType:  eventType,
		RawPayload: cloneRaw(raw),
		Status:     models.EventReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	m.events[eventID] = rec
	return copyEvent(rec), true, nil
}

func (m *Store) GetEvent(_ context.Context, eventID string) (models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[eventID]
	if !ok {
		return models.EventRecord{}, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	return copyEvent(rec), nil
}

func (m *Store) ListEvents(_ context.Context, status *models.EventStatus, limit int) ([]models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.EventRecord
	for _, rec := range m.events {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, copyEvent(rec))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.After(out[b].ReceivedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) MarkProcessing(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[eventID]
	if !ok || rec.Status != models.EventReceived {
		return false, nil
	}
	rec.Status = models.EventProcessing
	rec.Attempts++
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *Store) MarkProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.processingLocked(eventID, models.EventProcessed)
	if err != nil {
		return err
	}
	now := m.now()
	rec.Status = models.EventProcessed
	rec.LastError = nil
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (m *Store) MarkFailed(_ context.Context, eventID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.processingLocked(eventID, models.EventFailed)
	if err != nil {
		return err
	}
	rec.Status = models.EventFailed
	rec.LastError = &reason
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Store) RetryFailed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[eventID]
	if !ok || rec.Status != models.EventFailed {
		return false, nil
	}
	rec.Status = models.EventReceived
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *Store) ReapStaleProcessing(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, rec := range m.events {
		if rec.Status != models.EventProcessing || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := store.AbandonedMessage
		rec.Status = models.EventFailed
		rec.LastError = &msg
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Store) ReclaimStaleReceived(_ context.Context, olderThan time.Duration, limit int) ([]models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)
	var stale []*models.EventRecord
	for _, rec := range m.events {
		if rec.Status == models.EventReceived && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].UpdatedAt.Before(stale[b].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]models.EventRecord, 0, len(stale))
	for _, rec := range stale {
		rec.UpdatedAt = now
		out = append(out, copyEvent(rec))
	}
	return out, nil
}

func (m *Store) processingLocked(eventID string, target models.EventStatus) (*models.EventRecord, error) {
	rec, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	if rec.Status != models.EventProcessing {
		return nil, &store.TransitionError{ID: eventID, Current: string(rec.Status), Target: string(target)}
	}
	return rec, nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (m *Store) UpsertSubscription(_ context.Context, s models.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.subs[s.CustomerID]; ok && cur.EventCreated.After(s.EventCreated) {
		return false, nil
	}
	s.EventCreated = s.EventCreated.UTC()
	s.UpdatedAt = m.now()
	m.subs[s.CustomerID] = &s
	return true, nil
}

func (m *Store) GetSubscription(_ context.Context, customerID string) (models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[customerID]
	if !ok {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", customerID, store.ErrNotFound)
	}
	return *s, nil
}

func copyJob(j *models.Job) models.Job {
	cp := *j
	cp.Parameters = cloneRaw(j.Parameters)
	cp.Result = cloneRaw(j.Result)
	cp.ErrorMessage = clonePtr(j.ErrorMessage)
	cp.WorkerID = clonePtr(j.WorkerID)
	cp.PreviousJobID = clonePtr(j.PreviousJobID)
	cp.StartedAt = clonePtr(j.StartedAt)
	cp.CompletedAt = clonePtr(j.CompletedAt)
	return cp
}

func copyEvent(rec *models.EventRecord) models.EventRecord {
	cp := *rec
	cp.RawPayload = cloneRaw(rec.RawPayload)
	cp.LastError = clonePtr(rec.LastError)
	cp.ProcessedAt = clonePtr(rec.ProcessedAt)
	return cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
