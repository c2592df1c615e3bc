package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/billing"
	"genqueue/internal/notify"
)

func sampleTransition() billing.Transition {
	return billing.Transition{
		EventID:    "evt_1",
		EventType:  "invoice.payment_failed",
		CustomerID: "cus_1",
		From:       billing.StatusActive,
		To:         billing.StatusPastDue,
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestHTTPSignsPayload(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(notify.TimestampHeader)
		gotSig = r.Header.Get(notify.SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := notify.NewHTTP(srv.URL, "s3cret", nil).Notify(context.Background(), sampleTransition())
	require.NoError(t, err)

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), ts, 5)
	assert.Equal(t, "sha256="+notify.Signature("s3cret", gotTS, gotBody), gotSig)

	var decoded billing.Transition
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, sampleTransition(), decoded)
}

func TestHTTPNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewHTTP(srv.URL, "s3cret", nil).Notify(context.Background(), sampleTransition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPDoesNotFollowRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer redirector.Close()

	err := notify.NewHTTP(redirector.URL, "", nil).Notify(context.Background(), sampleTransition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}

func TestRedisPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, notify.DefaultChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, notify.NewRedis(client, "").Notify(ctx, sampleTransition()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var decoded billing.Transition
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	assert.Equal(t, "cus_1", decoded.CustomerID)
	assert.Equal(t, billing.StatusPastDue, decoded.To)
}

func TestLogWritesTransition(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, notify.NewLog(logger).Notify(context.Background(), sampleTransition()))
	assert.Contains(t, buf.String(), `"customer_id":"cus_1"`)
	assert.Contains(t, buf.String(), `"to":"past_due"`)
}

type notifierFunc func(ctx context.Context, t billing.Transition) error

func (f notifierFunc) Notify(ctx context.Context, t billing.Transition) error { return f(ctx, t) }

func TestMultiJoinsErrors(t *testing.T) {
	first := errors.New("first")
	calls := 0
	m := notify.Multi{
		notifierFunc(func(context.Context, billing.Transition) error { calls++; return first }),
		notifierFunc(func(context.Context, billing.Transition) error { calls++; return nil }),
	}

	err := m.Notify(context.Background(), sampleTransition())
	require.ErrorIs(t, err, first)
	assert.Equal(t, 2, calls)
	assert.NoError(t, notify.Multi{}.Notify(context.Background(), sampleTransition()))
}
