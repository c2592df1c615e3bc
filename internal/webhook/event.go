package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Event is a verified processor event. Raw keeps the exact bytes that were
// signed so the ledger stores what the sender sent.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Raw     json.RawMessage
}

// Data returns the event's data.object payload.
func (e Event) Data() gjson.Result {
	return gjson.GetBytes(e.Raw, "data.object")
}

// ParseEvent extracts the envelope fields of body. created is optional unix
// seconds; when absent the receive time is used.
func ParseEvent(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("%w: body is not valid JSON", ErrMalformedEvent)
	}
	fields := gjson.GetManyBytes(body, "id", "type", "created")
	id, typ := fields[0].String(), fields[1].String()
	if id == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if typ == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	created := time.Now().UTC()
	if fields[2].Exists() {
		created = time.Unix(fields[2].Int(), 0).UTC()
	}
	raw := make(json.RawMessage, len(body))
	copy(raw, body)
	return Event{ID: id, Type: typ, Created: created, Raw: raw}, nil
}

// Applier performs the side effect of an event. Implementations must be
// idempotent: applying the same event twice leaves the same state.
type Applier interface {
	Apply(ctx context.Context, evt Event) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, evt Event) error

func (f ApplierFunc) Apply(ctx context.Context, evt Event) error { return f(ctx, evt) }
