package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/store/memory"
	"genqueue/internal/webhook"
)

type recordingNotifier struct {
	got []Transition
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, t Transition) error {
	if n.err != nil {
		return n.err
	}
	n.got = append(n.got, t)
	return nil
}

func event(t *testing.T, id, typ string, created int64, object string) webhook.Event {
	t.Helper()
	evt, err := webhook.ParseEvent([]byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":%s}}`, id, typ, created, object)))
	require.NoError(t, err)
	return evt
}

func TestApplyTransitions(t *testing.T) {
	cases := []struct {
		name       string
		eventType  string
		object     string
		wantStatus string
		wantPlan   string
	}{
		{"created", "customer.subscription.created", `{"id":"sub_1","customer":"cus_1","status":"trialing","plan":{"id":"pro"}}`, "trialing", "pro"},
		{"updated from items", "customer.subscription.updated", `{"id":"sub_1","customer":"cus_1","status":"active","items":{"data":[{"price":{"id":"team"}}]}}`, StatusActive, "team"},
		{"deleted", "customer.subscription.deleted", `{"id":"sub_1","customer":"cus_1","status":"canceled"}`, StatusCanceled, ""},
		{"payment failed", "invoice.payment_failed", `{"id":"in_1","customer":"cus_1","subscription":"sub_1"}`, StatusPastDue, ""},
		{"checkout", "checkout.session.completed", `{"id":"cs_1","customer":"cus_1","subscription":"sub_1"}`, StatusActive, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := memory.New()
			n := &recordingNotifier{}
			a := NewApplier(st, n, nil)

			require.NoError(t, a.Apply(context.Background(), event(t, "evt_"+tc.name, tc.eventType, 1700000000, tc.object)))

			sub, err := st.GetSubscription(context.Background(), "cus_1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, sub.Status)
			assert.Equal(t, tc.wantPlan, sub.Plan)
			assert.Equal(t, "sub_1", sub.SubscriptionID)
			require.Len(t, n.got, 1)
			assert.Equal(t, "", n.got[0].From)
			assert.Equal(t, tc.wantStatus, n.got[0].To)
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	a := NewApplier(st, n, nil)
	evt := event(t, "evt_1", "invoice.payment_failed", 1700000000, `{"customer":"cus_1","subscription":"sub_1"}`)

	require.NoError(t, a.Apply(context.Background(), evt))
	require.NoError(t, a.Apply(context.Background(), evt))

	sub, err := st.GetSubscription(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, "evt_1", sub.EventID)
}

func TestApplyIgnoresOlderEvent(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	a := NewApplier(st, n, nil)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, event(t, "evt_new", "customer.subscription.deleted", 1700000200, `{"id":"sub_1","customer":"cus_1"}`)))
	require.NoError(t, a.Apply(ctx, event(t, "evt_old", "customer.subscription.updated", 1700000100, `{"id":"sub_1","customer":"cus_1","status":"active"}`)))

	sub, err := st.GetSubscription(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.Equal(t, "evt_new", sub.EventID)
	assert.Len(t, n.got, 1)
}

func TestApplyCarriesPlanForward(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	a := NewApplier(st, n, nil)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, event(t, "evt_1", "customer.subscription.created", 1700000000, `{"id":"sub_1","customer":"cus_1","status":"active","plan":{"id":"pro"}}`)))
	require.NoError(t, a.Apply(ctx, event(t, "evt_2", "invoice.payment_failed", 1700000100, `{"customer":"cus_1"}`)))

	sub, err := st.GetSubscription(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, "pro", sub.Plan)
	assert.Equal(t, "sub_1", sub.SubscriptionID)
	require.Len(t, n.got, 2)
	assert.Equal(t, StatusActive, n.got[1].From)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), n.got[1].OccurredAt)
}

func TestApplyUnknownTypeIsNoop(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	a := NewApplier(st, n, nil)

	require.NoError(t, a.Apply(context.Background(), event(t, "evt_1", "charge.refunded", 1700000000, `{"customer":"cus_1"}`)))
	assert.Empty(t, n.got)
}

func TestApplyErrors(t *testing.T) {
	st := memory.New()
	a := NewApplier(st, &recordingNotifier{}, nil)
	err := a.Apply(context.Background(), event(t, "evt_1", "invoice.payment_failed", 1700000000, `{"subscription":"sub_1"}`))
	require.ErrorIs(t, err, ErrMissingCustomer)

	boom := errors.New("endpoint down")
	a = NewApplier(st, &recordingNotifier{err: boom}, nil)
	err = a.Apply(context.Background(), event(t, "evt_2", "invoice.payment_failed", 1700000000, `{"customer":"cus_1"}`))
	require.ErrorIs(t, err, boom)

	// The write landed, so a retry of the same event re-sends the notification.
	sub, err := st.GetSubscription(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
}

func TestApplierWithIngestor(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	ing := webhook.NewIngestor(webhook.NewVerifier("secret", "", 0), st, NewApplier(st, n, nil))
	body := []byte(`{"id":"evt_123","type":"customer.subscription.updated","created":1700000000,"data":{"object":{"id":"sub_1","customer":"cus_1","status":"past_due"}}}`)

	for i := 0; i < 2; i++ {
		_, err := ing.Ingest(context.Background(), body, webhook.Sign("secret", time.Now(), body))
		require.NoError(t, err)
	}
	assert.Len(t, n.got, 1)
}
