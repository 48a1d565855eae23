// Package tracker keeps a session-local view of step records in sync with
// the persisted table: a read query served from a shared cache and a write
// mutation that invalidates it.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/stepsync/internal/cache"
	"github.com/loykin/stepsync/internal/notify"
	"github.com/loykin/stepsync/internal/steps"
)

// StepsKey identifies the "all steps" list in the cache.
const StepsKey = "steps"

// Table is the persistence collaborator.
// List returns every record ordered by created_at ascending.
type Table interface {
	List(ctx context.Context) ([]steps.Record, error)
	Insert(ctx context.Context, stepsCount int) (steps.Record, error)
}

// Options configure a Session.
type Options struct {
	Table    Table
	Notifier notify.Notifier
	Logger   *slog.Logger
	// GCTime is how long the steps entry survives without subscribers.
	// Zero means cache.DefaultGCTime, negative keeps it forever.
	GCTime time.Duration
}

// Session scopes the cache, the table and the notifier to one screen or
// command. Create it with NewSession and release it with Close.
type Session struct {
	table    Table
	notifier notify.Notifier
	cache    *cache.Cache[[]steps.Record]
	log      *slog.Logger

	closeOnce sync.Once
}

// NewSession builds a session around opts.Table.
func NewSession(opts Options) (*Session, error) {
	if opts.Table == nil {
		return nil, errors.New("tracker: table is required")
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Session{
		table:    opts.Table,
		notifier: n,
		cache:    cache.New[[]steps.Record](cache.Options{GCTime: opts.GCTime, Logger: l}),
		log:      l.With("component", "tracker"),
	}, nil
}

// Close drops cached data and cancels in-flight reads.
func (s *Session) Close() {
	s.closeOnce.Do(s.cache.Close)
}

// Invalidate marks the steps list stale; active queries refetch.
func (s *Session) Invalidate() { s.cache.Invalidate(StepsKey) }

// Snapshot exposes the raw cache entry for the steps list.
func (s *Session) Snapshot() (cache.Snapshot[[]steps.Record], bool) {
	return s.cache.Get(StepsKey)
}

func (s *Session) fetchSteps(ctx context.Context) ([]steps.Record, error) {
	recs, err := s.table.List(ctx)
	if err != nil {
		return nil, err
	}
	// the table already orders; a stable sort keeps its tie order
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}
