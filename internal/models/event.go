package models

import (
	"encoding/json"
	"time"
)

// EventStatus is the processing state of an inbound webhook event.
type EventStatus string

const (
	EventReceived   EventStatus = "received"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// EventRecord is the ledger row for one external event, keyed by the
// processor's own event id.
type EventRecord struct {
	EventID     string          `json:"event_id" db:"event_id"`
	EventType   string          `json:"event_type" db:"event_type"`
	RawPayload  json.RawMessage `json:"raw_payload" db:"raw_payload"`
	Status      EventStatus     `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	LastError   *string         `json:"last_error,omitempty" db:"last_error"`
	ReceivedAt  time.Time       `json:"received_at" db:"received_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// Subscription is the billing collaborator's view of a customer, written
// idempotently from processor events.
type Subscription struct {
	CustomerID     string    `json:"customer_id" db:"customer_id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	Status         string    `json:"status" db:"status"`
	Plan           string    `json:"plan" db:"plan"`
	EventID        string    `json:"event_id" db:"event_id"`
	EventCreated   time.Time `json:"event_created" db:"event_created"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
