// Package pipeline turns directory write events into trigger runs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// EventKind says which trigger, if any, a write concerns.
type EventKind string

const (
	EventUnitTaken     EventKind = "unit_taken"
	EventSafeArrival   EventKind = "safe_arrival"
	EventProfileChange EventKind = "profile_change"
)

// WriteEvent is one directory write as published by the database bridge.
type WriteEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`

	Kind    EventKind `json:"-"`
	UserKey string    `json:"-"`
}

// Value decodes Data into a generic JSON value. Absent data decodes to nil.
func (e *WriteEvent) Value() (any, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *WriteEvent) deleted() bool {
	d := strings.TrimSpace(string(e.Data))
	return d == "" || d == "null"
}

var errNotUserPath = errors.New("path is not under /users")

// classify fills Kind and UserKey from Path.
func (e *WriteEvent) classify() error {
	parts := strings.Split(strings.Trim(e.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "users" || parts[1] == "" {
		return errNotUserPath
	}
	e.UserKey = parts[1]

	switch {
	case len(parts) == 4 && parts[2] == "unitTakenTimestamps" && parts[3] != "":
		e.Kind = EventUnitTaken
	case len(parts) == 3 && parts[2] == "safeArrival":
		e.Kind = EventSafeArrival
	default:
		e.Kind = EventProfileChange
	}
	return nil
}

// WriteEventTransformer unmarshals a write event. Malformed payloads are
// returned as errors so the message is nacked towards the dead-letter topic.
// Well-formed writes nothing listens to are skipped.
func WriteEventTransformer(_ context.Context, msg *messagepipeline.Message) (*WriteEvent, bool, error) {
	var event WriteEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal write event from message %s: %w", msg.ID, err)
	}
	if event.Path == "" {
		return nil, true, fmt.Errorf("write event from message %s has no path", msg.ID)
	}
	if err := event.classify(); err != nil {
		return nil, true, nil
	}
	// Removing a unit entry never raises the estimate.
	if event.Kind == EventUnitTaken && event.deleted() {
		return nil, true, nil
	}
	return &event, false, nil
}
