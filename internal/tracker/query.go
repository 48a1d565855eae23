package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/stepsync/internal/cache"
	"github.com/loykin/stepsync/internal/steps"
)

// QueryState is what a view renders.
// IsLoading is only true while nothing was ever loaded and a fetch runs.
// Data survives failed fetches; Err then holds the failure.
type QueryState struct {
	Data       []steps.Record
	HasData    bool
	IsLoading  bool
	IsFetching bool
	Stale      bool
	Err        error
	UpdatedAt  time.Time
}

// Stats computes aggregates over Data; nil when there is nothing to show.
func (st QueryState) Stats() *steps.Stats { return steps.ComputeStats(st.Data) }

// StepsQuery is one subscriber of the steps list.
type StepsQuery struct {
	s        *Session
	onChange func(QueryState)

	mu      sync.Mutex
	state   QueryState
	version uint64
	closed  bool
	unsub   func()
}

// Steps subscribes to the steps list. Fresh cached data is served without a
// request; otherwise a background fetch starts and cached data, if any, stays
// visible meanwhile. onChange, when set, receives every new state.
func (s *Session) Steps(onChange func(QueryState)) *StepsQuery {
	q, fresh := s.subscribe(onChange)
	if fresh {
		return q
	}
	go func() {
		if _, err := q.Refetch(context.Background()); err != nil && !errors.Is(err, cache.ErrAbandoned) {
			s.log.Debug("initial steps fetch failed", "error", err)
		}
	}()
	return q
}

// LoadSteps is the one-shot read: it serves fresh cached data or performs
// exactly one fetch, then unsubscribes.
func (s *Session) LoadSteps(ctx context.Context) (QueryState, error) {
	q, fresh := s.subscribe(nil)
	defer q.Close()
	if fresh {
		return q.State(), nil
	}
	return q.Refetch(ctx)
}

// subscribe registers a query and reports whether cached data was fresh.
// When it was not, the query state is already marked as fetching.
func (s *Session) subscribe(onChange func(QueryState)) (*StepsQuery, bool) {
	q := &StepsQuery{s: s, onChange: onChange}
	q.unsub = s.cache.Subscribe(StepsKey, q.apply)

	snap, _ := s.cache.Get(StepsKey)
	if snap.Fresh() {
		q.apply(snap)
		return q, true
	}
	q.mu.Lock()
	if snap.Version >= q.version {
		q.version = snap.Version
		q.state = stateOf(snap)
		q.state.IsFetching = true
		q.state.IsLoading = !snap.HasData
	}
	q.mu.Unlock()
	return q, false
}

// State returns the latest state.
func (q *StepsQuery) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Refetch loads the list regardless of freshness. Concurrent refetches from
// any query of the session share one request. A closed query returns
// cache.ErrAbandoned without a request.
func (q *StepsQuery) Refetch(ctx context.Context) (QueryState, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return q.State(), cache.ErrAbandoned
	}
	snap, err := q.s.cache.Fetch(ctx, StepsKey, q.s.fetchSteps)
	if snap.Version > 0 {
		q.apply(snap)
	}
	return q.State(), err
}

// Close unsubscribes. A fetch still in flight is abandoned when this was the
// last subscriber.
func (q *StepsQuery) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	unsub := q.unsub
	q.mu.Unlock()
	unsub()
}

func (q *StepsQuery) apply(snap cache.Snapshot[[]steps.Record]) {
	q.mu.Lock()
	if q.closed || snap.Version < q.version {
		q.mu.Unlock()
		return
	}
	q.version = snap.Version
	q.state = stateOf(snap)
	st, cb := q.state, q.onChange
	q.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

func stateOf(snap cache.Snapshot[[]steps.Record]) QueryState {
	fetching := snap.Status == cache.StatusFetching
	st := QueryState{
		HasData:    snap.HasData,
		IsFetching: fetching,
		IsLoading:  fetching && !snap.HasData,
		Stale:      snap.Stale,
		Err:        snap.Err,
		UpdatedAt:  snap.UpdatedAt,
	}
	if snap.HasData {
		st.Data = steps.Clone(snap.Data)
	}
	return st
}
