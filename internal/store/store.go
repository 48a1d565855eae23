package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/stepsync/internal/steps"
)

// Store persists step records. Rows are append-only: there is no update or
// delete. List orders by created_at ascending, insertion order on ties.
type Store interface {
	EnsureSchema(ctx context.Context) error
	List(ctx context.Context) ([]steps.Record, error)
	Insert(ctx context.Context, stepsCount int) (steps.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewRecord assigns a fresh ID and a UTC creation time to stepsCount.
func NewRecord(stepsCount int, now time.Time) steps.Record {
	return steps.Record{
		ID:         uuid.NewString(),
		StepsCount: stepsCount,
		CreatedAt:  now.UTC(),
	}
}
