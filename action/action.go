// Package action implements the engine's Action value object: identity,
// payload, lifecycle status, and origin metadata, plus the hash-field
// encoding used to persist and rehydrate it from the store.
//
// This mirrors the typed-fields-plus-deterministic-serialization approach
// of the teacher's semantic/runtime RuntimeAction, but drops its JSON-LD
// AllFields preservation: the spec's Action has a fixed field set, so a
// flat struct with an explicit ToHash/FromHash round trip is the
// idiomatic fit rather than a schema-preserving map.
package action

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid"

	"nucleus.evalgo.org/errs"
)

// Status is a position in the action lifecycle state machine.
type Status string

const (
	StatusUnpublished Status = "Unpublished"
	StatusPending      Status = "Pending"
	StatusProcessing   Status = "Processing"
	StatusCompleted    Status = "Completed"
	StatusFailed       Status = "Failed"
)

// transitions enumerates the only legal status moves (invariant iv:
// monotonic, no back-edges).
var transitions = map[Status]map[Status]bool{
	StatusUnpublished: {StatusPending: true},
	StatusPending:      {StatusProcessing: true},
	StatusProcessing:   {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:    {},
	StatusFailed:       {},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Meta carries origin and timing information for an Action.
type Meta struct {
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	OriginEngineID   string    `json:"origin_engine_id"`
	OriginEngineName string    `json:"origin_engine_name"`
	OriginProcessID  int       `json:"origin_process_id"`
	OriginUserID     string    `json:"origin_user_id"`
}

// Action is the engine's core unit of work.
type Action struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	OriginalMessage map[string]interface{} `json:"original_message"`
	FinalMessage    map[string]interface{} `json:"final_message"`
	Status          Status                 `json:"status"`
	Meta            Meta                   `json:"meta"`
}

// TTL is the hash TTL applied at enqueue time (spec §3).
const TTL = time.Hour

var entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

// New creates a fresh, Unpublished Action with a new time-ordered identifier.
func New(name string, message map[string]interface{}, meta Meta) *Action {
	now := time.Now()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if message == nil {
		message = map[string]interface{}{}
	}
	return &Action{
		ID:              newID(),
		Name:            name,
		OriginalMessage: message,
		Status:          StatusUnpublished,
		Meta:            meta,
	}
}

// Key derives the store hash key for this Action.
func (a *Action) Key() string {
	return Key(a.Name, a.ID)
}

// Key derives the store hash key for an action name/id pair.
func Key(name, id string) string {
	return fmt.Sprintf("Action:%s:%s", name, id)
}

// UpdateStatus transitions the Action's status, refreshing updated_at. It
// refuses any edge not present in the lifecycle graph, and refuses any
// write once the Action is terminal (invariant: once terminal, no further
// status writes).
func (a *Action) UpdateStatus(next Status) error {
	if a.Status == StatusCompleted || a.Status == StatusFailed {
		return errs.New(errs.UndefinedContext, "action %s is terminal (%s), cannot transition to %s", a.ID, a.Status, next)
	}
	if !CanTransition(a.Status, next) {
		return errs.New(errs.UndefinedContext, "illegal transition %s -> %s for action %s", a.Status, next, a.ID)
	}
	a.Status = next
	a.Meta.UpdatedAt = time.Now()
	return nil
}

// UpdateMessage sets the final_message payload and refreshes updated_at.
func (a *Action) UpdateMessage(final map[string]interface{}) {
	a.FinalMessage = final
	a.Meta.UpdatedAt = time.Now()
}

// ToHash renders the Action as the flat string-keyed map used by HSet/HMSet.
func (a *Action) ToHash() (map[string]string, error) {
	original, err := json.Marshal(a.OriginalMessage)
	if err != nil {
		return nil, errs.Wrap(err, "marshal original_message for %s", a.ID)
	}
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return nil, errs.Wrap(err, "marshal meta for %s", a.ID)
	}
	h := map[string]string{
		"id":               a.ID,
		"name":             a.Name,
		"status":           string(a.Status),
		"original_message": string(original),
		"meta":             string(meta),
		"origin_user_id":   a.Meta.OriginUserID,
	}
	if a.FinalMessage != nil {
		final, err := json.Marshal(a.FinalMessage)
		if err != nil {
			return nil, errs.Wrap(err, "marshal final_message for %s", a.ID)
		}
		h["final_message"] = string(final)
	}
	return h, nil
}

// FromHash rehydrates an Action from a flat string-keyed map as read back
// from the store (e.g. via HGetAll). Round-tripping ToHash -> FromHash ->
// ToHash must be field-for-field stable (testable property in spec §8).
func FromHash(h map[string]string) (*Action, error) {
	if h == nil || h["id"] == "" {
		return nil, errs.New(errs.UndefinedContext, "cannot rehydrate action from empty hash")
	}
	a := &Action{
		ID:     h["id"],
		Name:   h["name"],
		Status: Status(h["status"]),
	}
	if raw, ok := h["original_message"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.OriginalMessage); err != nil {
			return nil, errs.Wrap(err, "unmarshal original_message for %s", a.ID)
		}
	}
	if raw, ok := h["final_message"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.FinalMessage); err != nil {
			return nil, errs.Wrap(err, "unmarshal final_message for %s", a.ID)
		}
	}
	if raw, ok := h["meta"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Meta); err != nil {
			return nil, errs.Wrap(err, "unmarshal meta for %s", a.ID)
		}
	}
	return a, nil
}

// EffectiveMessage merges meta.origin_user_id into the original message
// under the "origin_user_id" key, producing the message view the signature
// resolver and handler invocation operate against.
func (a *Action) EffectiveMessage() map[string]interface{} {
	merged := make(map[string]interface{}, len(a.OriginalMessage)+1)
	for k, v := range a.OriginalMessage {
		merged[k] = v
	}
	merged["origin_user_id"] = a.Meta.OriginUserID
	return merged
}
