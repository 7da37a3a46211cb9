// Package notifications reports finished rotation runs to external endpoints.
package notifications

import (
	"time"

	"github.com/systmms/keyrotate/internal/rotation"
)

// EventType represents the type of rotation event.
type EventType string

const (
	// EventTypeCompleted indicates the run reached its final stage.
	EventTypeCompleted EventType = "completed"

	// EventTypeHalted indicates the run stopped at a failing stage.
	EventTypeHalted EventType = "halted"

	// EventTypePartial indicates a completed run that failed to delete
	// some aged keys.
	EventTypePartial EventType = "partial"
)

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeCompleted,
		EventTypeHalted,
		EventTypePartial,
	}
}

// RotationEvent describes one finished run. It carries no key material
// beyond the new key's prefix.
type RotationEvent struct {
	Type EventType

	// Account is the service account whose key was rotated.
	Account   string
	AccountID string

	// HaltedAt names the failing stage of a halted run.
	HaltedAt string
	Error    error

	NewKeyPrefix    string
	KeysRetired     int
	DeletionsFailed int
	Duration        time.Duration
	Timestamp       time.Time
}

// EventFromResult summarizes a run result
func EventFromResult(result *rotation.Result) RotationEvent {
	event := RotationEvent{
		Type:            EventTypeCompleted,
		Account:         result.Account,
		AccountID:       result.AccountID,
		Error:           result.Err,
		NewKeyPrefix:    result.NewKeyPrefix,
		KeysRetired:     len(result.Deleted),
		DeletionsFailed: len(result.DeleteFailed),
		Duration:        result.Duration(),
		Timestamp:       result.FinishedAt,
	}

	switch {
	case !result.Completed():
		event.Type = EventTypeHalted
		event.HaltedAt = string(result.HaltedAt)
	case len(result.DeleteFailed) > 0:
		event.Type = EventTypePartial
	}
	return event
}
