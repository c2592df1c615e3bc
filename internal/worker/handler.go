package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"genqueue/internal/models"
)

// Handler executes a job and returns its JSON result. A returned error, or a
// panic, marks the job errored.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// ErrNoHandler is the cause recorded for jobs whose type has no handler.
var ErrNoHandler = errors.New("no handler registered")

// HandlerError ties a handler failure to the job that produced it. Panic is
// set when the handler panicked instead of returning.
type HandlerError struct {
	JobID   string
	JobType string
	Err     error
	Panic   any
	Stack   []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s (%s): %s", e.JobID, e.JobType, e.Message())
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Message is the text persisted as the job's error_message.
func (e *HandlerError) Message() string {
	if e.Panic != nil {
		return fmt.Sprintf("panic: %v", e.Panic)
	}
	if errors.Is(e.Err, ErrNoHandler) {
		return fmt.Sprintf("%s for job type %q", ErrNoHandler, e.JobType)
	}
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

// Middleware wraps handler execution.
type Middleware func(ctx context.Context, job models.Job, next Handler) (json.RawMessage, error)

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			return mw(ctx, job, next)
		}
	}
	return h
}

// Recover converts handler panics into a *HandlerError so a misbehaving
// handler cannot take the worker down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, job models.Job, next Handler) (result json.RawMessage, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					slog.String("job_id", job.ID),
					slog.String("job_type", job.Type),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				result = nil
				retErr = &HandlerError{JobID: job.ID, JobType: job.Type, Panic: r, Stack: stack}
			}
		}()
		return next(ctx, job)
	}
}

// Tracing wraps each execution in a span.
func Tracing(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, job models.Job, next Handler) (json.RawMessage, error) {
		ctx, span := tracer.Start(ctx, "genqueue.job.execute",
			trace.WithAttributes(
				attribute.String("genqueue.job.id", job.ID),
				attribute.String("genqueue.job.type", job.Type),
				attribute.Int("genqueue.job.priority", job.Priority),
				attribute.Int("genqueue.job.attempt", job.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx, job)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
