package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"genqueue/internal/models"
)

func TestHandlerErrorMessage(t *testing.T) {
	cause := errors.New("timeout rendering page 3")
	he := &HandlerError{JobID: "j1", JobType: "doc.build", Err: cause}
	assert.Equal(t, "timeout rendering page 3", he.Message())
	assert.Equal(t, "job j1 (doc.build): timeout rendering page 3", he.Error())
	assert.ErrorIs(t, he, cause)

	he = &HandlerError{JobID: "j1", JobType: "doc.build", Panic: "nil map"}
	assert.Equal(t, "panic: nil map", he.Message())

	he = &HandlerError{JobID: "j1", JobType: "x", Err: ErrNoHandler}
	assert.Equal(t, `no handler registered for job type "x"`, he.Message())
}

func TestRecoverConvertsPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := chain(func(context.Context, models.Job) (json.RawMessage, error) {
		panic(errors.New("boom"))
	}, []Middleware{Recover(logger)})

	out, err := h(context.Background(), models.Job{ID: "j1", Type: "doc.build"})
	assert.Nil(t, out)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "j1", he.JobID)
	assert.NotEmpty(t, he.Stack)
	assert.Equal(t, "panic: boom", he.Message())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, job models.Job, next Handler) (json.RawMessage, error) {
			order = append(order, name+">")
			out, err := next(ctx, job)
			order = append(order, "<"+name)
			return out, err
		}
	}
	h := chain(func(context.Context, models.Job) (json.RawMessage, error) {
		order = append(order, "handler")
		return nil, nil
	}, []Middleware{mw("a"), mw("b")})

	_, err := h(context.Background(), models.Job{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)
}

func TestTracingRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	mw := Tracing(tp.Tracer("test"))

	job := models.Job{ID: "j1", Type: "doc.build", Priority: 2, Attempt: 1}
	_, err := mw(context.Background(), job, func(context.Context, models.Job) (json.RawMessage, error) {
		return nil, errors.New("failed")
	})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "genqueue.job.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "j1", attrs["genqueue.job.id"])
	assert.Equal(t, "doc.build", attrs["genqueue.job.type"])
	assert.Equal(t, int64(2), attrs["genqueue.job.priority"])
}
