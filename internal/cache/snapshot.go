package cache

import "time"

// Status is the fetch state of an entry.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
)

// Snapshot is a point-in-time copy of an entry. Data is only meaningful
// when HasData is true; it is kept across failed and in-flight fetches.
type Snapshot[T any] struct {
	Key         string
	Status      Status
	Data        T
	HasData     bool
	Err         error
	Stale       bool
	Subscribers int
	UpdatedAt   time.Time
	Version     uint64
	// Invalidations counts Invalidate calls on the key.
	Invalidations uint64
}

// Fresh reports whether the snapshot can be served without a fetch.
func (s Snapshot[T]) Fresh() bool {
	return s.Status == StatusSuccess && s.HasData && !s.Stale
}

func (e *entry[T]) snapshot() Snapshot[T] {
	return Snapshot[T]{
		Key:         e.key,
		Status:      e.status,
		Data:        e.data,
		HasData:     e.hasData,
		Err:         e.err,
		Stale:       e.stale,
		Subscribers: len(e.subs),
		UpdatedAt:   e.updatedAt,
		Version:     e.version,

		Invalidations: e.invalCount,
	}
}
