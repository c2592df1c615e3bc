// Package webhook verifies inbound payment processor events, records them in
// the event ledger and applies each one's effect at most once per ledger
// transition.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"genqueue/internal/models"
	"genqueue/internal/queue"
	"genqueue/internal/store"
	"genqueue/internal/telemetry"
)

// Outcome is the acknowledged result of a delivery.
type Outcome string

const (
	// OutcomeProcessed means this delivery applied the event.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the event was already processed; nothing ran.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInFlight means another delivery currently owns the event.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomeAccepted means the event was recorded and queued for a worker.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeFailed means the effect failed and the event is marked failed.
	OutcomeFailed Outcome = "failed"
)

// ApplyJobType is the job type used to apply recorded events asynchronously.
const ApplyJobType = "webhook.apply_event"

// applyPriority puts event application ahead of default generation work.
const applyPriority = 2

// finalizeTimeout bounds ledger writes made after the effect ran.
const finalizeTimeout = 10 * time.Second

// Enqueuer submits jobs. store.Jobs implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
}

// Ingestor runs the receive path: verify, record, deduplicate, apply.
type Ingestor struct {
	verifier *Verifier
	ledger   store.Ledger
	applier  Applier
	logger   *slog.Logger
	tracer   trace.Tracer

	enqueuer Enqueuer
	signal   queue.Signal
}

// Option configures an Ingestor.
type Option func(*Ingestor)

func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(i *Ingestor) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithAsyncApply acknowledges deliveries once recorded and hands the effect
// to a worker through an ApplyJobType job. signal may be nil.
func WithAsyncApply(e Enqueuer, signal queue.Signal) Option {
	return func(i *Ingestor) {
		i.enqueuer = e
		i.signal = signal
	}
}

func NewIngestor(verifier *Verifier, ledger store.Ledger, applier Applier, opts ...Option) *Ingestor {
	i := &Ingestor{
		verifier: verifier,
		ledger:   ledger,
		applier:  applier,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Async reports whether effects are applied by workers.
func (i *Ingestor) Async() bool { return i.enqueuer != nil }

// Ingest handles one delivery. Signature failures return ErrSignatureInvalid
// and payloads without an id or type return ErrMalformedEvent; neither
// touches the ledger. Repeat deliveries resolve by the recorded status:
// processed is a duplicate, processing is in flight, failed is retried and
// received is claimed through the processing transition.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "genqueue.webhook.ingest")
	defer span.End()

	if err := i.verifier.Verify(body, signatureHeader); err != nil {
		telemetry.WebhookRejected.WithLabelValues("signature").Inc()
		i.logger.Warn("webhook rejected", slog.Any("error", err))
		span.SetStatus(codes.Error, "signature invalid")
		return "", err
	}
	evt, err := ParseEvent(body)
	if err != nil {
		telemetry.WebhookRejected.WithLabelValues("malformed").Inc()
		i.logger.Warn("webhook rejected", slog.Any("error", err))
		span.SetStatus(codes.Error, "malformed event")
		return "", err
	}
	span.SetAttributes(
		attribute.String("genqueue.event.id", evt.ID),
		attribute.String("genqueue.event.type", evt.Type),
	)

	rec, created, err := i.ledger.RecordIfNew(ctx, evt.ID, evt.Type, evt.Raw)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("record event %s: %w", evt.ID, err)
	}

	outcome, err := i.dispatch(ctx, evt, rec, created)
	i.observe(span, evt.ID, outcome, err)
	return outcome, err
}

// ApplyRecorded applies an event already in the ledger. It backs the
// ApplyJobType handler and follows the same status rules as Ingest.
func (i *Ingestor) ApplyRecorded(ctx context.Context, eventID string) (Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "genqueue.webhook.apply_recorded",
		trace.WithAttributes(attribute.String("genqueue.event.id", eventID)))
	defer span.End()

	rec, err := i.ledger.GetEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("load event %s: %w", eventID, err)
	}
	evt, err := eventFromRecord(rec)
	if err != nil {
		return "", err
	}
	outcome, proceed, err := i.resolve(ctx, rec, false)
	if err == nil && proceed {
		outcome, err = i.process(ctx, evt)
	}
	i.observe(span, eventID, outcome, err)
	return outcome, err
}

// Redrive re-attempts a failed event from its stored payload.
func (i *Ingestor) Redrive(ctx context.Context, eventID string) (Outcome, error) {
	rec, err := i.ledger.GetEvent(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", eventID, err)
	}
	if rec.Status != models.EventFailed {
		return "", &store.TransitionError{ID: eventID, Current: string(rec.Status), Target: string(models.EventReceived)}
	}
	evt, err := eventFromRecord(rec)
	if err != nil {
		return "", err
	}
	ok, err := i.ledger.RetryFailed(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("redrive event %s: %w", eventID, err)
	}
	if !ok {
		return OutcomeInFlight, nil
	}
	i.logger.Info("event redriven", slog.String("event_id", eventID), slog.Int("attempts", rec.Attempts))

	var outcome Outcome
	if i.Async() {
		outcome, err = i.enqueueApply(ctx, evt)
	} else {
		outcome, err = i.process(ctx, evt)
	}
	telemetry.WebhookOutcomes.WithLabelValues(string(outcomeLabel(outcome, err))).Inc()
	return outcome, err
}

// HandleApplyJob is the worker handler for ApplyJobType jobs.
func (i *Ingestor) HandleApplyJob(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var params struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if params.EventID == "" {
		return nil, errors.New("event_id is required")
	}
	outcome, err := i.ApplyRecorded(ctx, params.EventID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"event_id": params.EventID, "outcome": string(outcome)})
}

// sweepBatch bounds how many received events one sweep hands back.
const sweepBatch = 100

// SweepResult counts what one SweepStale pass changed.
type SweepResult struct {
	// Failed is the number of processing events moved to failed.
	Failed int
	// Redriven is the number of received events handed back for apply.
	Redriven int
}

// SweepStale fails events stuck in processing longer than olderThan so they
// can be redriven, and re-applies events left in received that long, such as
// an async delivery whose apply job was never enqueued.
func (i *Ingestor) SweepStale(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	var res SweepResult
	n, err := i.ledger.ReapStaleProcessing(ctx, olderThan)
	if err != nil {
		return res, fmt.Errorf("reap stale events: %w", err)
	}
	res.Failed = n
	if n > 0 {
		telemetry.EventsReaped.Add(float64(n))
		i.logger.Warn("reaped stale events", slog.Int("count", n), slog.Duration("older_than", olderThan))
	}

	recs, err := i.ledger.ReclaimStaleReceived(ctx, olderThan, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("reclaim stale events: %w", err)
	}
	for _, rec := range recs {
		evt, err := eventFromRecord(rec)
		if err != nil {
			i.logger.Error("stale event unreadable", slog.String("event_id", rec.EventID), slog.Any("error", err))
			continue
		}
		var outcome Outcome
		if i.Async() {
			outcome, err = i.enqueueApply(ctx, evt)
		} else {
			outcome, err = i.process(ctx, evt)
		}
		telemetry.WebhookOutcomes.WithLabelValues(string(outcomeLabel(outcome, err))).Inc()
		if err != nil {
			i.logger.Error("stale event not redriven", slog.String("event_id", rec.EventID), slog.Any("error", err))
			continue
		}
		res.Redriven++
	}
	if res.Redriven > 0 {
		i.logger.Warn("redrove stale received events", slog.Int("count", res.Redriven), slog.Duration("older_than", olderThan))
	}
	return res, nil
}

func (i *Ingestor) dispatch(ctx context.Context, evt Event, rec models.EventRecord, created bool) (Outcome, error) {
	// An async event still in received already has an apply job. SweepStale
	// covers the case where that enqueue never happened.
	if !created && i.Async() && rec.Status == models.EventReceived {
		return OutcomeAccepted, nil
	}
	if !created {
		outcome, proceed, err := i.resolve(ctx, rec, true)
		if err != nil || !proceed {
			return outcome, err
		}
	}
	if i.Async() {
		return i.enqueueApply(ctx, evt)
	}
	return i.process(ctx, evt)
}

// resolve decides what a repeat delivery of rec does. proceed is true when
// the caller should go on to apply the event.
func (i *Ingestor) resolve(ctx context.Context, rec models.EventRecord, redelivery bool) (Outcome, bool, error) {
	switch rec.Status {
	case models.EventProcessed:
		return OutcomeDuplicate, false, nil
	case models.EventProcessing:
		return OutcomeInFlight, false, nil
	case models.EventFailed:
		ok, err := i.ledger.RetryFailed(ctx, rec.EventID)
		if err != nil {
			return "", false, fmt.Errorf("retry event %s: %w", rec.EventID, err)
		}
		if !ok {
			return OutcomeInFlight, false, nil
		}
		if redelivery {
			i.logger.Info("retrying failed event on redelivery", slog.String("event_id", rec.EventID), slog.Int("attempts", rec.Attempts))
		}
		return "", true, nil
	case models.EventReceived:
		return "", true, nil
	default:
		return "", false, fmt.Errorf("event %s has unknown status %q", rec.EventID, rec.Status)
	}
}

func (i *Ingestor) process(ctx context.Context, evt Event) (Outcome, error) {
	won, err := i.ledger.MarkProcessing(ctx, evt.ID)
	if err != nil {
		return "", fmt.Errorf("mark event %s processing: %w", evt.ID, err)
	}
	if !won {
		return OutcomeInFlight, nil
	}

	applyErr := i.applier.Apply(ctx, evt)

	// The effect already ran; record it even if the caller has gone away.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if applyErr != nil {
		if err := i.ledger.MarkFailed(finalCtx, evt.ID, applyErr.Error()); err != nil {
			i.logger.Error("mark event failed", slog.String("event_id", evt.ID), slog.Any("error", err))
		}
		return OutcomeFailed, fmt.Errorf("apply event %s: %w", evt.ID, applyErr)
	}
	if err := i.ledger.MarkProcessed(finalCtx, evt.ID); err != nil {
		i.logger.Error("mark event processed", slog.String("event_id", evt.ID), slog.Any("error", err))
		return OutcomeProcessed, fmt.Errorf("mark event %s processed: %w", evt.ID, err)
	}
	i.logger.Info("event processed", slog.String("event_id", evt.ID), slog.String("event_type", evt.Type))
	return OutcomeProcessed, nil
}

func (i *Ingestor) enqueueApply(ctx context.Context, evt Event) (Outcome, error) {
	params, err := json.Marshal(map[string]string{"event_id": evt.ID})
	if err != nil {
		return "", err
	}
	job, err := i.enqueuer.Enqueue(ctx, store.EnqueueParams{
		JobType:    ApplyJobType,
		OwnerID:    "webhook",
		Priority:   applyPriority,
		Parameters: params,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue apply for event %s: %w", evt.ID, err)
	}
	if i.signal != nil {
		if err := i.signal.Notify(ctx, job.ID); err != nil {
			i.logger.Warn("wakeup notify failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	i.logger.Info("event queued for apply", slog.String("event_id", evt.ID), slog.String("job_id", job.ID))
	return OutcomeAccepted, nil
}

func (i *Ingestor) observe(span trace.Span, eventID string, outcome Outcome, err error) {
	telemetry.WebhookOutcomes.WithLabelValues(string(outcomeLabel(outcome, err))).Inc()
	span.SetAttributes(attribute.String("genqueue.event.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Error("event not applied", slog.String("event_id", eventID), slog.String("outcome", string(outcome)), slog.Any("error", err))
		return
	}
	if outcome == OutcomeDuplicate || outcome == OutcomeInFlight {
		i.logger.Info("event skipped", slog.String("event_id", eventID), slog.String("outcome", string(outcome)))
	}
}

func outcomeLabel(outcome Outcome, err error) Outcome {
	if outcome == "" && err != nil {
		return "error"
	}
	return outcome
}

func eventFromRecord(rec models.EventRecord) (Event, error) {
	evt, err := ParseEvent(rec.RawPayload)
	if err != nil {
		return Event{}, fmt.Errorf("stored event %s: %w", rec.EventID, err)
	}
	evt.Type = rec.EventType
	return evt, nil
}
