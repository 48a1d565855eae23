package tracker

import (
	"context"
	"sync/atomic"

	"github.com/loykin/stepsync/internal/metrics"
	"github.com/loykin/stepsync/internal/notify"
	"github.com/loykin/stepsync/internal/steps"
)

// SuccessMessage is the toast shown after a saved entry.
const SuccessMessage = "Success!"

// SaveSteps writes new step records. It is not idempotent: every successful
// call creates a record. Failed writes are not retried.
type SaveSteps struct {
	s         *Session
	onSuccess func()
	pending   atomic.Int32
}

// SaveSteps returns a mutation bound to the session. onSuccess runs after the
// steps list was invalidated, e.g. to reset a form.
func (s *Session) SaveSteps(onSuccess func()) *SaveSteps {
	return &SaveSteps{s: s, onSuccess: onSuccess}
}

// IsPending reports whether a write is in flight.
func (m *SaveSteps) IsPending() bool { return m.pending.Load() > 0 }

// Mutate validates stepsCount, inserts it and invalidates the steps list.
// Out-of-range counts fail with *steps.ValidationError before any request.
func (m *SaveSteps) Mutate(ctx context.Context, stepsCount int) (steps.Record, error) {
	if err := steps.ValidateCount(stepsCount); err != nil {
		metrics.IncMutation("invalid")
		m.s.log.Warn("rejected step count", "steps", stepsCount, "error", err)
		return steps.Record{}, err
	}

	m.pending.Add(1)
	defer m.pending.Add(-1)

	rec, err := m.s.table.Insert(ctx, stepsCount)
	if err != nil {
		metrics.IncMutation("error")
		m.s.log.Error("save steps failed", "steps", stepsCount, "error", err)
		m.s.notifier.Error("Error " + err.Error())
		return steps.Record{}, err
	}
	metrics.IncMutation("success")
	m.s.log.Info("saved steps", "id", rec.ID, "steps", rec.StepsCount)

	m.s.cache.Invalidate(StepsKey)
	if m.onSuccess != nil {
		m.onSuccess()
	}
	m.s.notifier.Success(SuccessMessage, notify.PlacementBottom)
	return rec, nil
}
