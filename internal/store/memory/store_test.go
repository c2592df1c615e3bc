package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/models"
	"genqueue/internal/store"
	"genqueue/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Backend { return New() })
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	job, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "doc.build", Priority: 5, Parameters: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, ok, err := s.TryClaim(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.MarkTerminal(ctx, job.ID, "w1", models.StatusErrored, nil, "boom")
	require.NoError(t, err)
	next, err := s.Reenqueue(ctx, job.ID)
	require.NoError(t, err)

	var events []string
	for _, a := range s.AuditLog(job.ID) {
		events = append(events, a.Event)
	}
	assert.Equal(t, []string{"enqueued", "errored", "reenqueued"}, events)

	trail := s.AuditLog(next.ID)
	require.Len(t, trail, 1)
	assert.Contains(t, trail[0].Detail, "previous="+job.ID)
}

func TestReapUsesClock(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	job, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "doc.build", Priority: 5, Parameters: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, _, err = s.TryClaim(ctx, job.ID, "w1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	reaped, err := s.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, models.StatusErrored, reaped[0].Status)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	job, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "doc.build", Priority: 5, Parameters: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	job.Parameters[1] = 'X'

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Parameters))

	claimed, ok, err := s.TryClaim(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, claimed.WorkerID)
	*claimed.WorkerID = "w2"
	*claimed.StartedAt = time.Time{}

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "w1", *got.WorkerID)
	assert.False(t, got.StartedAt.IsZero())

	done, err := s.MarkTerminal(ctx, job.ID, "w1", models.StatusErrored, nil, "boom")
	require.NoError(t, err)
	*done.ErrorMessage = "changed"
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestReturnedEventsAreCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, created, err := s.RecordIfNew(ctx, "evt_1", "invoice.paid", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, created)
	won, err := s.MarkProcessing(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkFailed(ctx, "evt_1", "boom"))

	rec, err := s.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastError)
	*rec.LastError = "changed"

	rec, err = s.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "boom", *rec.LastError)
}

func TestListJobsForOwnerOrdersByCreatedAt(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Enqueue with a clock running backwards so seq and created_at disagree.
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(-time.Duration(i) * time.Minute)
		s.SetClock(func() time.Time { return at })
		job, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "doc.build", OwnerID: "o1", Priority: 5, Parameters: json.RawMessage(`{}`)})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := s.ListJobsForOwner(ctx, "o1", nil)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}
