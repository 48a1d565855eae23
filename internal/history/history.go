package history

import (
	"context"
	"time"

	"github.com/loykin/stepsync/internal/steps"
)

// EventType defines the kind of history event.
type EventType string

const (
	EventStepRecorded EventType = "step_recorded"
)

// Event is exported to analytics systems after a record was persisted.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     steps.Record `json:"record"`
}

// StepRecorded builds the event for a freshly inserted record.
func StepRecorded(rec steps.Record, now time.Time) Event {
	return Event{Type: EventStepRecorded, OccurredAt: now.UTC(), Record: rec}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
