package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"genqueue/internal/artifact"
	"genqueue/internal/models"
	"genqueue/internal/queue"
	"genqueue/internal/store"
	"genqueue/internal/telemetry"
)

// Claimer hands out the next job for a worker. *queue.Selector implements it.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
}

// JobStore is the subset of store.Jobs the processor writes to.
type JobStore interface {
	MarkTerminal(ctx context.Context, id, workerID string, status models.JobStatus, result json.RawMessage, errMsg string) (models.Job, error)
	Heartbeat(ctx context.Context, workerID string, ids []string) error
	ReapStale(ctx context.Context, olderThan time.Duration) ([]models.Job, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// Config tunes one Processor.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	MaxConcurrent     int
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
	// StaleAfter is how long an in_progress job may go without a heartbeat
	// before maintenance errors it out.
	StaleAfter time.Duration
	// MaintenanceSchedule is a cron spec; empty disables maintenance.
	MaintenanceSchedule string
	// ResultInlineLimit is the largest result stored inline; larger results
	// go to the uploader. Zero disables offloading.
	ResultInlineLimit int
	// ErrorBackoffMax caps the wait after consecutive claim errors.
	ErrorBackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 30 * time.Second
	}
}

// forceGrace bounds how long Run waits for handlers after cancelling them.
const forceGrace = 5 * time.Second

// terminalWriteTimeout bounds the final store write for a job.
const terminalWriteTimeout = 10 * time.Second

// Processor drives the worker execution loop: poll, claim, execute, record.
type Processor struct {
	cfg      Config
	selector Claimer
	jobs     JobStore
	logger   *slog.Logger
	signal   queue.Signal
	uploader artifact.Uploader

	handlersMu  sync.RWMutex
	handlers    map[string]Handler
	middleware  []Middleware
	maintenance []maintenanceTask

	activeMu sync.Mutex
	active   map[string]struct{}

	lifecycleMu sync.Mutex
	cancelRun   context.CancelFunc
	done        chan struct{}
	runErr      error
}

type maintenanceTask struct {
	name string
	fn   func(ctx context.Context) error
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSignal lets producers cut the idle wait short.
func WithSignal(s queue.Signal) Option {
	return func(p *Processor) { p.signal = s }
}

// WithUploader enables offloading of large results.
func WithUploader(u artifact.Uploader) Option {
	return func(p *Processor) { p.uploader = u }
}

// WithMiddleware appends handler middleware. Recover always runs innermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(p *Processor) { p.middleware = append(p.middleware, mws...) }
}

// WithMaintenance registers an extra task run on the maintenance schedule.
func WithMaintenance(name string, fn func(ctx context.Context) error) Option {
	return func(p *Processor) {
		p.maintenance = append(p.maintenance, maintenanceTask{name: name, fn: fn})
	}
}

func NewProcessor(cfg Config, selector Claimer, jobs JobStore, opts ...Option) *Processor {
	cfg.applyDefaults()
	p := &Processor{
		cfg:      cfg,
		selector: selector,
		jobs:     jobs,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the identity written to claimed jobs.
func (p *Processor) WorkerID() string { return p.cfg.WorkerID }

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[jobType] = handler
}

// Start runs the loop in the background. It is a no-op if already running.
func (p *Processor) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelRun = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		err := p.Run(runCtx)
		p.lifecycleMu.Lock()
		p.runErr = err
		p.lifecycleMu.Unlock()
		close(done)
	}(p.done)
}

// Stop cancels a loop started with Start and waits for it to return or for
// ctx to end.
func (p *Processor) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	cancel, done := p.cancelRun, p.done
	p.lifecycleMu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	p.cancelRun, p.done = nil, nil
	return p.runErr
}

// Run polls for work until ctx is cancelled. Cancellation stops new claims;
// in-flight jobs get ShutdownTimeout to finish before their contexts are
// cancelled. Run returns once every execution has been recorded or
// abandoned.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker starting",
		slog.String("worker_id", p.cfg.WorkerID),
		slog.Int("max_concurrent", p.cfg.MaxConcurrent),
		slog.Duration("poll_interval", p.cfg.PollInterval),
	)

	// Executions outlive ctx so they can drain; forceCancel ends them.
	execCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		p.heartbeatLoop(bgCtx)
	}()
	scheduler, err := p.startMaintenance(bgCtx)
	if err != nil {
		stopBackground()
		bg.Wait()
		return err
	}

	var (
		inflight    sync.WaitGroup
		slots       = make(chan struct{}, p.cfg.MaxConcurrent)
		claimErrors int
	)

loop:
	for {
		// At capacity this blocks, so no claim is attempted until a slot frees.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		job, err := p.selector.ClaimNext(ctx, p.cfg.WorkerID)
		if errors.Is(err, queue.ErrContended) {
			// Other workers are taking jobs, so some remain. Poll again now.
			<-slots
			claimErrors = 0
			continue
		}
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				break loop
			}
			claimErrors++
			wait := backoffWithJitter(p.cfg.PollInterval, p.cfg.ErrorBackoffMax, claimErrors)
			p.logger.Error("claim failed", slog.String("worker_id", p.cfg.WorkerID), slog.Int("consecutive", claimErrors), slog.Duration("retry_in", wait), slog.Any("error", err))
			if !sleepCtx(ctx, wait) {
				break loop
			}
			continue
		}
		claimErrors = 0

		if job == nil {
			<-slots
			if !p.idle(ctx) {
				break loop
			}
			continue
		}

		inflight.Add(1)
		go func(job models.Job) {
			defer inflight.Done()
			defer func() { <-slots }()
			p.execute(execCtx, job)
		}(*job)
	}

	p.logger.Info("worker draining", slog.String("worker_id", p.cfg.WorkerID), slog.Int("inflight", len(slots)))
	if !waitTimeout(&inflight, p.cfg.ShutdownTimeout) {
		p.logger.Warn("shutdown timeout reached, cancelling in-flight jobs", slog.String("worker_id", p.cfg.WorkerID))
		forceCancel()
		if !waitTimeout(&inflight, forceGrace) {
			p.logger.Error("in-flight jobs ignored cancellation; leaving them to the stale reaper", slog.String("worker_id", p.cfg.WorkerID))
		}
	}

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	stopBackground()
	bg.Wait()
	p.logger.Info("worker stopped", slog.String("worker_id", p.cfg.WorkerID))
	return nil
}

// idle waits out the poll interval, or less if a wakeup arrives. It reports
// false when ctx ended.
func (p *Processor) idle(ctx context.Context) bool {
	if p.signal == nil {
		return sleepCtx(ctx, p.cfg.PollInterval)
	}
	if _, err := p.signal.Wait(ctx, p.cfg.PollInterval); err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warn("wakeup wait failed", slog.Any("error", err))
		return sleepCtx(ctx, p.cfg.PollInterval)
	}
	return ctx.Err() == nil
}

func (p *Processor) execute(ctx context.Context, job models.Job) {
	p.track(job.ID)
	defer p.untrack(job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("worker_id", p.cfg.WorkerID),
	)
	logger.Info("job started", slog.Int("priority", job.Priority), slog.Int("attempt", job.Attempt))

	start := time.Now()
	result, err := p.run(ctx, job)
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		result, err = p.prepareResult(ctx, job, result)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err != nil {
		msg := errorMessage(err)
		if _, werr := p.jobs.MarkTerminal(writeCtx, job.ID, p.cfg.WorkerID, models.StatusErrored, nil, msg); werr != nil {
			p.logTerminalFailure(logger, models.StatusErrored, werr)
			return
		}
		telemetry.JobsErrored.WithLabelValues(job.Type).Inc()
		logger.Warn("job errored", slog.String("error", msg), slog.Duration("duration", time.Since(start)))
		return
	}

	if _, werr := p.jobs.MarkTerminal(writeCtx, job.ID, p.cfg.WorkerID, models.StatusCompleted, result, ""); werr != nil {
		p.logTerminalFailure(logger, models.StatusCompleted, werr)
		return
	}
	telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
	logger.Info("job completed", slog.Duration("duration", time.Since(start)))
}

// run resolves the handler and executes it through the middleware chain.
func (p *Processor) run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p.handlersMu.RLock()
	h, ok := p.handlers[job.Type]
	p.handlersMu.RUnlock()
	if !ok {
		return nil, &HandlerError{JobID: job.ID, JobType: job.Type, Err: ErrNoHandler}
	}

	mws := make([]Middleware, 0, len(p.middleware)+1)
	mws = append(mws, p.middleware...)
	mws = append(mws, Recover(p.logger))
	result, err := chain(h, mws)(ctx, job)
	if err != nil {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{JobID: job.ID, JobType: job.Type, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// prepareResult validates the handler output and offloads it when it is too
// large to store inline.
func (p *Processor) prepareResult(ctx context.Context, job models.Job, result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 {
		return nil, nil
	}
	if !json.Valid(result) {
		return nil, &HandlerError{JobID: job.ID, JobType: job.Type, Err: errors.New("handler returned invalid JSON result")}
	}
	if p.uploader == nil || p.cfg.ResultInlineLimit <= 0 || len(result) <= p.cfg.ResultInlineLimit {
		return result, nil
	}

	key := fmt.Sprintf("jobs/%s/result.json", job.ID)
	uri, err := p.uploader.Upload(ctx, key, result, "application/json")
	if err != nil {
		return nil, &HandlerError{JobID: job.ID, JobType: job.Type, Err: fmt.Errorf("store result artifact: %w", err)}
	}
	telemetry.ArtifactUploads.Inc()
	ref, err := json.Marshal(struct {
		ArtifactURI string `json:"artifact_uri"`
		Size        int    `json:"size"`
	}{uri, len(result)})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (p *Processor) logTerminalFailure(logger *slog.Logger, target models.JobStatus, err error) {
	var te *store.TransitionError
	if errors.As(err, &te) {
		// Someone else (the reaper, typically) already finalized the job.
		logger.Error("terminal write rejected", slog.String("target", string(target)), slog.String("current", te.Current))
		return
	}
	logger.Error("terminal write failed", slog.String("target", string(target)), slog.Any("error", err))
}

func (p *Processor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeats(ctx)
		}
	}
}

func (p *Processor) sendHeartbeats(ctx context.Context) {
	ids := p.activeIDs()
	if len(ids) > 0 {
		if err := p.jobs.Heartbeat(ctx, p.cfg.WorkerID, ids); err != nil {
			p.logger.Warn("heartbeat failed", slog.String("worker_id", p.cfg.WorkerID), slog.Any("error", err))
		}
	}
	if depth, err := p.jobs.QueueDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) startMaintenance(ctx context.Context) (*cron.Cron, error) {
	if p.cfg.MaintenanceSchedule == "" {
		return nil, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(p.cfg.MaintenanceSchedule, func() { p.RunMaintenance(ctx) }); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", p.cfg.MaintenanceSchedule, err)
	}
	c.Start()
	return c, nil
}

// RunMaintenance errors out jobs whose worker stopped heartbeating and runs
// any extra registered tasks.
func (p *Processor) RunMaintenance(ctx context.Context) {
	reaped, err := p.jobs.ReapStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Error("reap stale jobs failed", slog.Any("error", err))
	}
	for _, j := range reaped {
		telemetry.JobsReaped.Inc()
		p.logger.Warn("reaped stale job", slog.String("job_id", j.ID), slog.String("job_type", j.Type))
	}
	for _, task := range p.maintenance {
		if err := task.fn(ctx); err != nil {
			p.logger.Error("maintenance task failed", slog.String("task", task.name), slog.Any("error", err))
		}
	}
}

func (p *Processor) track(id string) {
	p.activeMu.Lock()
	p.active[id] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Processor) untrack(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Processor) activeIDs() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func errorMessage(err error) string {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Message()
	}
	return err.Error()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// sleepCtx reports false if ctx ended before d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
