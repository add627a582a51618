// Package event implements the engine's Event value object: identity,
// name, free-form message, meta, and key derivation, plus the expiry
// score the dispatcher records in a per-channel retention sorted set.
//
// Grounded on the teacher's semantic/runtime/event.go constructors
// (NewEvent, event ID generation) but trimmed to the spec's flat
// {id, name, message, meta} shape instead of the Schema.org Event the
// teacher builds for CouchDB audit trails.
package event

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid"

	"nucleus.evalgo.org/errs"
)

// TTL is the event hash TTL (spec §3).
const TTL = 5 * time.Minute

// Meta carries publish-time information for an Event.
type Meta struct {
	PublishedAt time.Time `json:"published_at"`
	Channel     string    `json:"channel"`
}

// Event is a free-form occurrence published by a handler or by the
// dispatcher itself (e.g. ActionStatusUpdated).
type Event struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Message map[string]interface{} `json:"message"`
	Meta    Meta                   `json:"meta"`
}

var entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

// New creates a fresh Event with a new time-ordered identifier.
func New(name string, message map[string]interface{}) *Event {
	if message == nil {
		message = map[string]interface{}{}
	}
	return &Event{
		ID:      newID(),
		Name:    name,
		Message: message,
		Meta:    Meta{PublishedAt: time.Now()},
	}
}

// ActionStatusUpdated builds the dispatcher's terminal-status event,
// published to the per-action channel "Action:<id>".
func ActionStatusUpdated(actionID, actionName string, status string, finalMessage map[string]interface{}) *Event {
	return New("ActionStatusUpdated", map[string]interface{}{
		"action_id":           actionID,
		"action_name":         actionName,
		"action_status":       status,
		"action_final_message": finalMessage,
	})
}

// Key derives the store hash key for this Event.
func (e *Event) Key() string {
	return Key(e.Name, e.ID)
}

// Key derives the store hash key for a name/id pair.
func Key(name, id string) string {
	return fmt.Sprintf("Event:%s:%s", name, id)
}

// ExpiresAt is the retention-set score: publish time plus TTL. The
// score comes from the publishing engine's wall clock and is trimmed
// against the wall clock of whichever engine publishes next on the
// channel, so engines sharing a channel rely on synchronized clocks.
func (e *Event) ExpiresAt() time.Time {
	return e.Meta.PublishedAt.Add(TTL)
}

// ToHash renders the Event as a flat string-keyed map for HSet/HMSet.
func (e *Event) ToHash() (map[string]string, error) {
	msg, err := json.Marshal(e.Message)
	if err != nil {
		return nil, errs.Wrap(err, "marshal message for event %s", e.ID)
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, errs.Wrap(err, "marshal meta for event %s", e.ID)
	}
	return map[string]string{
		"id":      e.ID,
		"name":    e.Name,
		"message": string(msg),
		"meta":    string(meta),
	}, nil
}

// FromHash rehydrates an Event from a flat string-keyed map.
func FromHash(h map[string]string) (*Event, error) {
	if h == nil || h["id"] == "" {
		return nil, errs.New(errs.UndefinedContext, "cannot rehydrate event from empty hash")
	}
	e := &Event{ID: h["id"], Name: h["name"]}
	if raw, ok := h["message"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Message); err != nil {
			return nil, errs.Wrap(err, "unmarshal message for event %s", e.ID)
		}
	}
	if raw, ok := h["meta"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Meta); err != nil {
			return nil, errs.Wrap(err, "unmarshal meta for event %s", e.ID)
		}
	}
	return e, nil
}
