package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a notification payload is not a valid change event
var ErrMalformed = errors.New("malformed change event")

// Action is the kind of row mutation carried by a change event
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrMalformed, s)
}

// ChangeEvent represents one row-level change notified by the database.
// Record and Old hold the database's own JSON encoding of the row and are
// passed through untouched.
type ChangeEvent struct {
	Timestamp string  `json:"timestamp"`
	Table     string  `json:"table"`
	Action    Action  `json:"action"`
	ID        string  `json:"id"`
	Record    string  `json:"record"`
	Old       *string `json:"old"` // nil on INSERT
}

// wireEvent mirrors ChangeEvent with pointers so missing fields can be told
// apart from empty ones.
type wireEvent struct {
	Timestamp *string `json:"timestamp"`
	Table     *string `json:"table"`
	Action    *string `json:"action"`
	ID        *string `json:"id"`
	Record    *string `json:"record"`
	Old       *string `json:"old"`
}

// Parse decodes a notification payload. Unknown fields are ignored, missing
// required fields are an error.
func Parse(data []byte) (*ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	required := []struct {
		name  string
		value *string
	}{
		{"timestamp", w.Timestamp},
		{"table", w.Table},
		{"action", w.Action},
		{"id", w.ID},
		{"record", w.Record},
	}
	for _, f := range required {
		if f.value == nil {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformed, f.name)
		}
	}

	action, err := ParseAction(*w.Action)
	if err != nil {
		return nil, err
	}

	return &ChangeEvent{
		Timestamp: *w.Timestamp,
		Table:     *w.Table,
		Action:    action,
		ID:        *w.ID,
		Record:    *w.Record,
		Old:       w.Old,
	}, nil
}

// Encode returns the wire form sent to subscribers
func (e *ChangeEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// String is used in log lines
func (e *ChangeEvent) String() string {
	return fmt.Sprintf("%s %s id=%s at %s", e.Action, e.Table, e.ID, e.Timestamp)
}
