// Package billing turns payment processor events into subscription state.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"genqueue/internal/models"
	"genqueue/internal/store"
	"genqueue/internal/telemetry"
	"genqueue/internal/webhook"
)

// Subscription statuses written by the applier.
const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// ErrMissingCustomer is returned for a handled event that names no customer.
var ErrMissingCustomer = errors.New("event has no customer")

// Transition is emitted after a subscription change is stored.
type Transition struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	CustomerID     string    `json:"customer_id"`
	SubscriptionID string    `json:"subscription_id"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Plan           string    `json:"plan,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier receives stored transitions.
type Notifier interface {
	Notify(ctx context.Context, t Transition) error
}

// Applier implements webhook.Applier for billing events. Every effect is a
// "set status to X" write, so applying an event again is harmless.
type Applier struct {
	subs     store.Subscriptions
	notifier Notifier
	logger   *slog.Logger
}

func NewApplier(subs store.Subscriptions, notifier Notifier, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{subs: subs, notifier: notifier, logger: logger}
}

var _ webhook.Applier = (*Applier)(nil)

// Apply stores the transition carried by evt and notifies about it. Event
// types without a billing effect are accepted as no-ops.
func (a *Applier) Apply(ctx context.Context, evt webhook.Event) error {
	next, ok := transitionFor(evt.Type, evt.Data())
	if !ok {
		a.logger.Debug("event has no billing effect", slog.String("event_id", evt.ID), slog.String("event_type", evt.Type))
		return nil
	}
	if next.CustomerID == "" {
		return fmt.Errorf("%s %s: %w", evt.Type, evt.ID, ErrMissingCustomer)
	}

	prev, err := a.subs.GetSubscription(ctx, next.CustomerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load subscription: %w", err)
	}
	if next.SubscriptionID == "" {
		next.SubscriptionID = prev.SubscriptionID
	}
	if next.Plan == "" {
		next.Plan = prev.Plan
	}

	changed, err := a.subs.UpsertSubscription(ctx, models.Subscription{
		CustomerID:     next.CustomerID,
		SubscriptionID: next.SubscriptionID,
		Status:         next.Status,
		Plan:           next.Plan,
		EventID:        evt.ID,
		EventCreated:   evt.Created,
	})
	if err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if !changed {
		a.logger.Info("older event ignored",
			slog.String("event_id", evt.ID),
			slog.String("customer_id", next.CustomerID),
			slog.String("current_event_id", prev.EventID),
		)
		return nil
	}
	a.logger.Info("subscription updated",
		slog.String("event_id", evt.ID),
		slog.String("customer_id", next.CustomerID),
		slog.String("from", prev.Status),
		slog.String("to", next.Status),
	)

	if a.notifier == nil {
		return nil
	}
	t := Transition{
		EventID:        evt.ID,
		EventType:      evt.Type,
		CustomerID:     next.CustomerID,
		SubscriptionID: next.SubscriptionID,
		From:           prev.Status,
		To:             next.Status,
		Plan:           next.Plan,
		OccurredAt:     evt.Created,
	}
	if err := a.notifier.Notify(ctx, t); err != nil {
		telemetry.NotifyFailures.Inc()
		return fmt.Errorf("notify transition: %w", err)
	}
	return nil
}

type subscriptionState struct {
	CustomerID     string
	SubscriptionID string
	Status         string
	Plan           string
}

func transitionFor(eventType string, obj gjson.Result) (subscriptionState, bool) {
	customer := obj.Get("customer").String()
	switch eventType {
	case "customer.subscription.created", "customer.subscription.updated":
		status := obj.Get("status").String()
		if status == "" {
			status = StatusActive
		}
		return subscriptionState{
			CustomerID:     customer,
			SubscriptionID: obj.Get("id").String(),
			Status:         status,
			Plan:           planOf(obj),
		}, true
	case "customer.subscription.deleted":
		return subscriptionState{
			CustomerID:     customer,
			SubscriptionID: obj.Get("id").String(),
			Status:         StatusCanceled,
			Plan:           planOf(obj),
		}, true
	case "invoice.payment_failed":
		return subscriptionState{
			CustomerID:     customer,
			SubscriptionID: obj.Get("subscription").String(),
			Status:         StatusPastDue,
		}, true
	case "checkout.session.completed":
		return subscriptionState{
			CustomerID:     customer,
			SubscriptionID: obj.Get("subscription").String(),
			Status:         StatusActive,
		}, true
	}
	return subscriptionState{}, false
}

func planOf(obj gjson.Result) string {
	if plan := obj.Get("plan.id").String(); plan != "" {
		return plan
	}
	return obj.Get("items.data.0.price.id").String()
}
