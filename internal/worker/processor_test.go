package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/artifact"
	"genqueue/internal/models"
	"genqueue/internal/queue"
	"genqueue/internal/store"
	"genqueue/internal/store/memory"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b50 := backoffWithJitter(base, max, 50)
	if b50 < max/2 || b50 > max {
		t.Fatalf("backoff not capped: %s", b50)
	}
}

func testConfig() Config {
	return Config{
		WorkerID:          "test-worker",
		PollInterval:      10 * time.Millisecond,
		MaxConcurrent:     4,
		ShutdownTimeout:   2 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
	}
}

func newTestProcessor(t *testing.T, cfg Config, opts ...Option) (*Processor, *memory.Store) {
	t.Helper()
	st := memory.New()
	return NewProcessor(cfg, queue.NewSelector(st), st, opts...), st
}

func enqueueJob(t *testing.T, st *memory.Store, jobType, params string) models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), store.EnqueueParams{
		JobType:    jobType,
		Priority:   models.DefaultPriority,
		Parameters: json.RawMessage(params),
	})
	require.NoError(t, err)
	return job
}

// runProcessor starts Run and returns a stop function that cancels it and
// waits for it to return.
func runProcessor(t *testing.T, p *Processor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("processor did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitForStatus(t *testing.T, st *memory.Store, id string, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestProcessorCompletesJob(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())
	p.RegisterHandler("doc.build", func(_ context.Context, job models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"pages":12}`), nil
	})
	job := enqueueJob(t, st, "doc.build", `{"title":"report"}`)

	runProcessor(t, p)

	done := waitForStatus(t, st, job.ID, models.StatusCompleted)
	assert.JSONEq(t, `{"pages":12}`, string(done.Result))
	assert.Nil(t, done.ErrorMessage)
	assert.Nil(t, done.WorkerID)

	trail := st.AuditLog(job.ID)
	require.NotEmpty(t, trail)
	assert.Equal(t, "worker=test-worker", trail[len(trail)-1].Detail)
}

func TestProcessorCapturesErrorsAndPanics(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())
	p.RegisterHandler("fails", func(context.Context, models.Job) (json.RawMessage, error) {
		return nil, errors.New("diagram source is empty")
	})
	p.RegisterHandler("panics", func(context.Context, models.Job) (json.RawMessage, error) {
		panic("renderer exploded")
	})
	p.RegisterHandler("ok", func(context.Context, models.Job) (json.RawMessage, error) {
		return nil, nil
	})

	failing := enqueueJob(t, st, "fails", `{}`)
	panicking := enqueueJob(t, st, "panics", `{}`)
	unknown := enqueueJob(t, st, "nobody.handles.this", `{}`)
	after := enqueueJob(t, st, "ok", `{}`)

	runProcessor(t, p)

	j := waitForStatus(t, st, failing.ID, models.StatusErrored)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "diagram source is empty", *j.ErrorMessage)

	j = waitForStatus(t, st, panicking.ID, models.StatusErrored)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "panic: renderer exploded", *j.ErrorMessage)

	j = waitForStatus(t, st, unknown.ID, models.StatusErrored)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, `no handler registered for job type "nobody.handles.this"`, *j.ErrorMessage)

	j = waitForStatus(t, st, after.ID, models.StatusCompleted)
	assert.Equal(t, "null", string(j.Result))
}

func TestProcessorRespectsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	p, st := newTestProcessor(t, cfg)

	var (
		running atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	p.RegisterHandler("slow", func(ctx context.Context, _ models.Job) (json.RawMessage, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	var ids []string
	for range 5 {
		ids = append(ids, enqueueJob(t, st, "slow", `{}`).ID)
	}

	runProcessor(t, p)

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Give the loop time to over-claim if the cap were broken.
	time.Sleep(50 * time.Millisecond)
	depth, err := st.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	close(release)
	for _, id := range ids {
		waitForStatus(t, st, id, models.StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestProcessorGracefulShutdownDrainsInFlight(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	p.RegisterHandler("doc.build", func(ctx context.Context, _ models.Job) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{"ok":true}`), ctx.Err()
	})
	first := enqueueJob(t, st, "doc.build", `{}`)

	stop := runProcessor(t, p)
	<-started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	// Jobs enqueued after the shutdown signal must not be claimed.
	time.Sleep(30 * time.Millisecond)
	late := enqueueJob(t, st, "doc.build", `{}`)
	time.Sleep(30 * time.Millisecond)
	close(release)
	<-stopped

	j, err := st.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, j.Status, "in-flight job finishes during drain")

	j, err = st.GetJob(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, j.Status)
}

func TestProcessorForcedShutdownCancelsHandlers(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	p, st := newTestProcessor(t, cfg)

	started := make(chan struct{})
	p.RegisterHandler("stuck", func(ctx context.Context, _ models.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job := enqueueJob(t, st, "stuck", `{}`)

	stop := runProcessor(t, p)
	<-started
	stop()

	j, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "context canceled")
}

func TestProcessorOffloadsLargeResults(t *testing.T) {
	cfg := testConfig()
	cfg.ResultInlineLimit = 32
	dir := t.TempDir()
	p, st := newTestProcessor(t, cfg, WithUploader(artifact.NewLocal(dir)))

	big := `{"html":"` + strings.Repeat("x", 256) + `"}`
	p.RegisterHandler("doc.build", func(context.Context, models.Job) (json.RawMessage, error) {
		return json.RawMessage(big), nil
	})
	p.RegisterHandler("small", func(context.Context, models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"n":1}`), nil
	})
	large := enqueueJob(t, st, "doc.build", `{}`)
	small := enqueueJob(t, st, "small", `{}`)

	runProcessor(t, p)

	j := waitForStatus(t, st, large.ID, models.StatusCompleted)
	var ref struct {
		ArtifactURI string `json:"artifact_uri"`
		Size        int    `json:"size"`
	}
	require.NoError(t, json.Unmarshal(j.Result, &ref))
	assert.True(t, strings.HasPrefix(ref.ArtifactURI, "file://"))
	assert.Equal(t, len(big), ref.Size)

	j = waitForStatus(t, st, small.ID, models.StatusCompleted)
	assert.JSONEq(t, `{"n":1}`, string(j.Result))
}

func TestProcessorRejectsInvalidJSONResult(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())
	p.RegisterHandler("doc.build", func(context.Context, models.Job) (json.RawMessage, error) {
		return json.RawMessage(`<html>`), nil
	})
	job := enqueueJob(t, st, "doc.build", `{}`)

	runProcessor(t, p)

	j := waitForStatus(t, st, job.ID, models.StatusErrored)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "handler returned invalid JSON result", *j.ErrorMessage)
}

func TestProcessorWakesOnSignal(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	sig := queue.NewLocalSignal()
	p, st := newTestProcessor(t, cfg, WithSignal(sig))
	p.RegisterHandler(SimulateJobType, Simulate)

	runProcessor(t, p)
	// let the first empty poll happen so the loop is parked in the idle wait
	time.Sleep(30 * time.Millisecond)

	job := enqueueJob(t, st, SimulateJobType, `{"result":{"ok":true}}`)
	require.NoError(t, sig.Notify(context.Background(), job.ID))

	j := waitForStatus(t, st, job.ID, models.StatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(j.Result))
}

func TestProcessorHeartbeatsInFlightJobs(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())
	release := make(chan struct{})
	defer close(release)
	p.RegisterHandler("slow", func(ctx context.Context, _ models.Job) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	job := enqueueJob(t, st, "slow", `{}`)

	runProcessor(t, p)

	claimed := waitForStatus(t, st, job.ID, models.StatusInProgress)
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.UpdatedAt.After(claimed.UpdatedAt)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunMaintenanceReapsStaleJobs(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })

	var extra atomic.Int32
	cfg := testConfig()
	cfg.StaleAfter = time.Minute
	p := NewProcessor(cfg, queue.NewSelector(st), st,
		WithMaintenance("count", func(context.Context) error {
			extra.Add(1)
			return nil
		}),
		WithMaintenance("broken", func(context.Context) error {
			return errors.New("ignored")
		}),
	)

	job := enqueueJob(t, st, "doc.build", `{}`)
	_, ok, err := st.TryClaim(context.Background(), job.ID, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	p.RunMaintenance(context.Background())

	j, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, store.StaleMessage, *j.ErrorMessage)
	assert.Equal(t, int32(1), extra.Load())
}

func TestProcessorInvalidMaintenanceSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceSchedule = "not a schedule"
	p, _ := newTestProcessor(t, cfg)
	err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestProcessorStartStop(t *testing.T) {
	p, st := newTestProcessor(t, testConfig())
	p.RegisterHandler(SimulateJobType, Simulate)

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx) // no-op while running

	job := enqueueJob(t, st, SimulateJobType, `{"duration_ms":5}`)
	waitForStatus(t, st, job.ID, models.StatusCompleted)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, p.Stop(stopCtx))
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()

	_, err := Simulate(ctx, models.Job{Parameters: json.RawMessage(`{"should_fail":true}`)})
	assert.EqualError(t, err, "simulated failure requested by parameters.should_fail")

	assert.Panics(t, func() {
		_, _ = Simulate(ctx, models.Job{Parameters: json.RawMessage(`{"should_panic":true}`)})
	})

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Simulate(cancelled, models.Job{Parameters: json.RawMessage(`{"duration_ms":60000}`)})
	assert.ErrorIs(t, err, context.Canceled)

	out, err := Simulate(ctx, models.Job{Parameters: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"simulated":true,"duration_ms":0}`, string(out))
}

// contendedClaimer reports contention for the first n calls, then delegates.
type contendedClaimer struct {
	next  Claimer
	n     atomic.Int32
	calls atomic.Int32
}

func (c *contendedClaimer) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	c.calls.Add(1)
	if c.n.Add(-1) >= 0 {
		return nil, queue.ErrContended
	}
	return c.next.ClaimNext(ctx, workerID)
}

func TestProcessorRepollsImmediatelyAfterContention(t *testing.T) {
	st := memory.New()
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	claimer := &contendedClaimer{next: queue.NewSelector(st)}
	claimer.n.Store(2)
	p := NewProcessor(cfg, claimer, st)
	p.RegisterHandler("doc.build", func(context.Context, models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	job := enqueueJob(t, st, "doc.build", `{}`)

	runProcessor(t, p)

	waitForStatus(t, st, job.ID, models.StatusCompleted)
	assert.GreaterOrEqual(t, claimer.calls.Load(), int32(3))
}
