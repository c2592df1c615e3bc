// Package storetest is a conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/models"
	"genqueue/internal/store"
)

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) store.Backend

// Run executes the full suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"EnqueueValidation", testEnqueueValidation},
		{"EnqueueAndGet", testEnqueueAndGet},
		{"ListJobsForOwner", testListJobsForOwner},
		{"ClaimPriorityOrder", testClaimPriorityOrder},
		{"ClaimFIFOWithinPriority", testClaimFIFOWithinPriority},
		{"ClaimScenarioCAB", testClaimScenarioCAB},
		{"TryClaimExclusive", testTryClaimExclusive},
		{"ConcurrentClaimants", testConcurrentClaimants},
		{"MarkTerminalOnce", testMarkTerminalOnce},
		{"MarkTerminalWrongWorker", testMarkTerminalWrongWorker},
		{"MarkTerminalRejectsQueued", testMarkTerminalRejectsQueued},
		{"CancelQueued", testCancelQueued},
		{"Reenqueue", testReenqueue},
		{"HeartbeatAndReap", testHeartbeatAndReap},
		{"QueueDepth", testQueueDepth},
		{"LedgerRecordIfNew", testLedgerRecordIfNew},
		{"LedgerConcurrentRecord", testLedgerConcurrentRecord},
		{"LedgerLifecycle", testLedgerLifecycle},
		{"LedgerFailedAndRetry", testLedgerFailedAndRetry},
		{"LedgerReapStaleProcessing", testLedgerReapStaleProcessing},
		{"LedgerReclaimStaleReceived", testLedgerReclaimStaleReceived},
		{"LedgerList", testLedgerList},
		{"SubscriptionUpsertOrdering", testSubscriptionUpsertOrdering},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			tt.fn(t, b)
		})
	}
}

func enqueue(t *testing.T, b store.Backend, jobType string, priority int) models.Job {
	t.Helper()
	job, err := b.Enqueue(context.Background(), store.EnqueueParams{
		JobType:    jobType,
		OwnerID:    "owner-1",
		Priority:   priority,
		Parameters: json.RawMessage(`{"doc":"` + jobType + `"}`),
	})
	require.NoError(t, err)
	return job
}

// claimNext claims the first candidate the backend offers.
func claimNext(t *testing.T, b store.Backend, workerID string) models.Job {
	t.Helper()
	ctx := context.Background()
	ids, err := b.ClaimCandidates(ctx, 10)
	require.NoError(t, err)
	for _, id := range ids {
		job, ok, err := b.TryClaim(ctx, id, workerID)
		require.NoError(t, err)
		if ok {
			return job
		}
	}
	t.Fatalf("no claimable job")
	return models.Job{}
}

func testEnqueueValidation(t *testing.T, b store.Backend) {
	ctx := context.Background()
	cases := []struct {
		name string
		p    store.EnqueueParams
	}{
		{"missing type", store.EnqueueParams{JobType: "  ", Parameters: json.RawMessage(`{}`)}},
		{"missing parameters", store.EnqueueParams{JobType: "doc.build"}},
		{"null parameters", store.EnqueueParams{JobType: "doc.build", Parameters: json.RawMessage(`null`)}},
		{"invalid json", store.EnqueueParams{JobType: "doc.build", Parameters: json.RawMessage(`{`)}},
		{"priority too low", store.EnqueueParams{JobType: "doc.build", Priority: -1, Parameters: json.RawMessage(`{}`)}},
		{"priority too high", store.EnqueueParams{JobType: "doc.build", Priority: 10, Parameters: json.RawMessage(`{}`)}},
	}
	for _, tc := range cases {
		_, err := b.Enqueue(ctx, tc.p)
		assert.ErrorIs(t, err, store.ErrValidation, tc.name)
	}
	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func testEnqueueAndGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	job := enqueue(t, b, "doc.build", 3)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Nil(t, job.WorkerID)
	assert.Nil(t, job.ErrorMessage)

	got, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "doc.build", got.Type)
	assert.Equal(t, 3, got.Priority)
	assert.JSONEq(t, `{"doc":"doc.build"}`, string(got.Parameters))

	_, err = b.GetJob(ctx, "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListJobsForOwner(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := enqueue(t, b, "a", 5)
	second := enqueue(t, b, "b", 5)
	_, err := b.Enqueue(ctx, store.EnqueueParams{JobType: "c", OwnerID: "someone-else", Priority: 5, Parameters: json.RawMessage(`{}`)})
	require.NoError(t, err)

	jobs, err := b.ListJobsForOwner(ctx, "owner-1", nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	claimed := claimNext(t, b, "w1")
	status := models.StatusInProgress
	jobs, err = b.ListJobsForOwner(ctx, "owner-1", &status)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, claimed.ID, jobs[0].ID)
}

func testClaimPriorityOrder(t *testing.T, b store.Backend) {
	enqueue(t, b, "p3", 3)
	enqueue(t, b, "p1", 1)
	enqueue(t, b, "p2", 2)

	var got []int
	for range 3 {
		got = append(got, claimNext(t, b, "w1").Priority)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func testClaimFIFOWithinPriority(t *testing.T, b store.Backend) {
	var want []string
	for i := range 5 {
		want = append(want, enqueue(t, b, fmt.Sprintf("job-%d", i), 5).ID)
	}
	var got []string
	for range 5 {
		got = append(got, claimNext(t, b, "w1").ID)
	}
	assert.Equal(t, want, got)
}

func testClaimScenarioCAB(t *testing.T, b store.Backend) {
	a := enqueue(t, b, "A", 1)
	bb := enqueue(t, b, "B", 1)
	c := enqueue(t, b, "C", 0)

	assert.Equal(t, c.ID, claimNext(t, b, "w1").ID)
	assert.Equal(t, a.ID, claimNext(t, b, "w1").ID)
	assert.Equal(t, bb.ID, claimNext(t, b, "w1").ID)

	ids, err := b.ClaimCandidates(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testTryClaimExclusive(t *testing.T, b store.Backend) {
	ctx := context.Background()
	job := enqueue(t, b, "doc.build", 5)

	claimed, ok, err := b.TryClaim(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusInProgress, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "w1", *claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)

	_, ok, err = b.TryClaim(ctx, job.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.TryClaim(ctx, "missing", "w2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentClaimants(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const jobs, claimants = 20, 8

	for i := range jobs {
		enqueue(t, b, fmt.Sprintf("job-%d", i), i%3)
	}

	var (
		mu      sync.Mutex
		owners  = make(map[string]string)
		wg      sync.WaitGroup
		errOnce error
	)
	for w := range claimants {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ids, err := b.ClaimCandidates(ctx, 5)
				if err != nil {
					mu.Lock()
					errOnce = err
					mu.Unlock()
					return
				}
				if len(ids) == 0 {
					return
				}
				for _, id := range ids {
					job, ok, err := b.TryClaim(ctx, id, workerID)
					if err != nil {
						mu.Lock()
						errOnce = err
						mu.Unlock()
						return
					}
					if !ok {
						continue
					}
					mu.Lock()
					if prev, dup := owners[job.ID]; dup {
						errOnce = fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, workerID)
					}
					owners[job.ID] = workerID
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, errOnce)
	assert.Len(t, owners, jobs)
	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func testMarkTerminalOnce(t *testing.T, b store.Backend) {
	ctx := context.Background()
	enqueue(t, b, "doc.build", 5)
	job := claimNext(t, b, "w1")

	done, err := b.MarkTerminal(ctx, job.ID, "w1", models.StatusCompleted, json.RawMessage(`{"pages":3}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"pages":3}`, string(done.Result))
	assert.Nil(t, done.ErrorMessage)
	assert.Nil(t, done.WorkerID)
	assert.NotNil(t, done.CompletedAt)

	_, err = b.MarkTerminal(ctx, job.ID, "w1", models.StatusErrored, nil, "late failure")
	var te *store.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Equal(t, string(models.StatusCompleted), te.Current)

	got, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"pages":3}`, string(got.Result))
	assert.Nil(t, got.ErrorMessage)
}

func testMarkTerminalWrongWorker(t *testing.T, b store.Backend) {
	ctx := context.Background()
	enqueue(t, b, "doc.build", 5)
	job := claimNext(t, b, "w1")

	_, err := b.MarkTerminal(ctx, job.ID, "w2", models.StatusErrored, nil, "boom")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	done, err := b.MarkTerminal(ctx, job.ID, "w1", models.StatusErrored, nil, "boom")
	require.NoError(t, err)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "boom", *done.ErrorMessage)
	assert.Empty(t, done.Result)
}

func testMarkTerminalRejectsQueued(t *testing.T, b store.Backend) {
	ctx := context.Background()
	job := enqueue(t, b, "doc.build", 5)

	_, err := b.MarkTerminal(ctx, job.ID, "w1", models.StatusCompleted, json.RawMessage(`{}`), "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = b.MarkTerminal(ctx, job.ID, "w1", models.StatusQueued, nil, "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func testCancelQueued(t *testing.T, b store.Backend) {
	ctx := context.Background()
	queued := enqueue(t, b, "doc.build", 5)

	cancelled, err := b.CancelQueued(ctx, queued.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, cancelled.Status)
	require.NotNil(t, cancelled.ErrorMessage)
	assert.Equal(t, "cancelled: user request", *cancelled.ErrorMessage)

	_, err = b.CancelQueued(ctx, queued.ID, "again")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	enqueue(t, b, "doc.build", 5)
	running := claimNext(t, b, "w1")
	_, err = b.CancelQueued(ctx, running.ID, "too late")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = b.CancelQueued(ctx, "missing", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testReenqueue(t *testing.T, b store.Backend) {
	ctx := context.Background()
	enqueue(t, b, "doc.build", 2)
	job := claimNext(t, b, "w1")

	_, err := b.Reenqueue(ctx, job.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition, "in_progress job cannot be re-enqueued")

	_, err = b.MarkTerminal(ctx, job.ID, "w1", models.StatusErrored, nil, "timeout")
	require.NoError(t, err)

	next, err := b.Reenqueue(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, next.ID)
	assert.Equal(t, models.StatusQueued, next.Status)
	assert.Equal(t, 2, next.Attempt)
	require.NotNil(t, next.PreviousJobID)
	assert.Equal(t, job.ID, *next.PreviousJobID)
	assert.Equal(t, job.Type, next.Type)
	assert.Equal(t, job.Priority, next.Priority)
	assert.JSONEq(t, string(job.Parameters), string(next.Parameters))

	_, err = b.Reenqueue(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "second re-enqueue of the same attempt")

	old, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, old.Status)

	_, err = b.Reenqueue(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testHeartbeatAndReap(t *testing.T, b store.Backend) {
	ctx := context.Background()
	enqueue(t, b, "stale", 5)
	enqueue(t, b, "live", 5)
	stale := claimNext(t, b, "w1")
	live := claimNext(t, b, "w2")

	reaped, err := b.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Heartbeat(ctx, "w2", []string{live.ID}))
	require.NoError(t, b.Heartbeat(ctx, "w2", nil))

	reaped, err = b.ReapStale(ctx, 25*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, models.StatusErrored, reaped[0].Status)
	require.NotNil(t, reaped[0].ErrorMessage)
	assert.Equal(t, store.StaleMessage, *reaped[0].ErrorMessage)

	_, err = b.MarkTerminal(ctx, stale.ID, "w1", models.StatusCompleted, json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "reaped job stays errored")

	got, err := b.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func testQueueDepth(t *testing.T, b store.Backend) {
	ctx := context.Background()
	enqueue(t, b, "a", 5)
	enqueue(t, b, "b", 5)
	claimNext(t, b, "w1")

	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func testLedgerRecordIfNew(t *testing.T, b store.Backend) {
	ctx := context.Background()
	raw := json.RawMessage(`{"id":"evt_1","type":"invoice.paid"}`)

	rec, created, err := b.RecordIfNew(ctx, "evt_1", "invoice.paid", raw)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.EventReceived, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, string(raw), string(rec.RawPayload))

	dup, created, err := b.RecordIfNew(ctx, "evt_1", "invoice.paid", json.RawMessage(`{"id":"evt_1","changed":true}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, string(raw), string(dup.RawPayload), "duplicate must not overwrite the stored payload")

	_, err = b.GetEvent(ctx, "evt_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLedgerConcurrentRecord(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const deliveries = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := b.RecordIfNew(ctx, "evt_race", "invoice.paid", json.RawMessage(`{}`))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if created {
				winners++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, winners)
}

func testLedgerLifecycle(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, _, err := b.RecordIfNew(ctx, "evt_2", "invoice.paid", json.RawMessage(`{}`))
	require.NoError(t, err)

	err = b.MarkProcessed(ctx, "evt_2")
	require.ErrorIs(t, err, store.ErrInvalidTransition, "received cannot skip processing")

	won, err := b.MarkProcessing(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = b.MarkProcessing(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, b.MarkProcessed(ctx, "evt_2"))

	rec, err := b.GetEvent(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.ProcessedAt)

	assert.ErrorIs(t, b.MarkFailed(ctx, "evt_2", "late"), store.ErrInvalidTransition)
	won, err = b.MarkProcessing(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, won, "processed is never reprocessed")
	retried, err := b.RetryFailed(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, retried)

	assert.ErrorIs(t, b.MarkProcessed(ctx, "evt_missing"), store.ErrNotFound)
}

func testLedgerFailedAndRetry(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, _, err := b.RecordIfNew(ctx, "evt_3", "invoice.payment_failed", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = b.MarkProcessing(ctx, "evt_3")
	require.NoError(t, err)
	require.NoError(t, b.MarkFailed(ctx, "evt_3", "db down"))

	rec, err := b.GetEvent(ctx, "evt_3")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "db down", *rec.LastError)

	retried, err := b.RetryFailed(ctx, "evt_3")
	require.NoError(t, err)
	assert.True(t, retried)

	won, err := b.MarkProcessing(ctx, "evt_3")
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, b.MarkProcessed(ctx, "evt_3"))

	rec, err = b.GetEvent(ctx, "evt_3")
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.LastError)
}

func testLedgerReapStaleProcessing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, _, err := b.RecordIfNew(ctx, "evt_4", "invoice.paid", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = b.MarkProcessing(ctx, "evt_4")
	require.NoError(t, err)

	n, err := b.ReapStaleProcessing(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(50 * time.Millisecond)
	n, err = b.ReapStaleProcessing(ctx, 25*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := b.GetEvent(ctx, "evt_4")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, store.AbandonedMessage, *rec.LastError)
}

func testLedgerReclaimStaleReceived(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"evt_r1", "evt_r2", "evt_busy"} {
		_, _, err := b.RecordIfNew(ctx, id, "invoice.paid", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := b.MarkProcessing(ctx, "evt_busy")
	require.NoError(t, err)

	recs, err := b.ReclaimStaleReceived(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	time.Sleep(50 * time.Millisecond)
	recs, err = b.ReclaimStaleReceived(ctx, 25*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.ElementsMatch(t, []string{"evt_r1", "evt_r2"}, []string{recs[0].EventID, recs[1].EventID})
	for _, rec := range recs {
		assert.Equal(t, models.EventReceived, rec.Status)
	}

	// Reclaimed records are fresh again until the threshold passes once more.
	recs, err = b.ReclaimStaleReceived(ctx, 25*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testLedgerList(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		_, _, err := b.RecordIfNew(ctx, id, "invoice.paid", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := b.MarkProcessing(ctx, "evt_b")
	require.NoError(t, err)

	all, err := b.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	status := models.EventProcessing
	processing, err := b.ListEvents(ctx, &status, 10)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "evt_b", processing[0].EventID)

	limited, err := b.ListEvents(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testSubscriptionUpsertOrdering(t *testing.T, b store.Backend) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	changed, err := b.UpsertSubscription(ctx, models.Subscription{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "active", Plan: "pro",
		EventID: "evt_new", EventCreated: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.UpsertSubscription(ctx, models.Subscription{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "past_due", Plan: "pro",
		EventID: "evt_old", EventCreated: base,
	})
	require.NoError(t, err)
	assert.False(t, changed, "older event must not overwrite a newer one")

	changed, err = b.UpsertSubscription(ctx, models.Subscription{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "active", Plan: "pro",
		EventID: "evt_new", EventCreated: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, changed, "re-applying the same event is idempotent and accepted")

	sub, err := b.GetSubscription(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "evt_new", sub.EventID)
	assert.True(t, sub.EventCreated.Equal(base.Add(time.Minute)))

	_, err = b.GetSubscription(ctx, "cus_missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
