// Package cache is a keyed query cache with coalesced fetches, invalidation
// and explicit subscriptions. One Cache is shared by every reader and writer
// of a session so all of them observe the same entry per key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/stepsync/internal/metrics"
)

// DefaultGCTime is how long an entry without subscribers is kept.
const DefaultGCTime = 5 * time.Minute

var (
	// ErrNoFetcher is returned by Fetch when neither the call nor an earlier
	// call supplied a fetch function for the key.
	ErrNoFetcher = errors.New("cache: no fetcher registered for key")
	// ErrAbandoned is returned to callers waiting on a fetch whose result was
	// dropped because every subscriber left while it was in flight.
	ErrAbandoned = errors.New("cache: fetch abandoned")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)

// Fetcher loads the value for a key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Listener receives every state change of the key it subscribed to.
// Deliveries can race; compare Snapshot.Version to drop out-of-order ones.
type Listener[T any] func(Snapshot[T])

// Options tune a Cache. A zero GCTime means DefaultGCTime, a negative one
// disables eviction.
type Options struct {
	GCTime time.Duration
	Logger *slog.Logger
}

type subscription[T any] struct {
	id uint64
	fn Listener[T]
}

type entry[T any] struct {
	key       string
	status    Status
	data      T
	hasData   bool
	err       error
	stale     bool
	updatedAt time.Time
	version   uint64

	subs    []subscription[T]
	fetcher Fetcher[T]

	// gen is bumped every time the last subscriber leaves. Fetch captures
	// it; a fetch of an older generation never starts, or is dropped.
	gen uint64
	// seq numbers fetch attempts. invalSeq is seq at the last Invalidate,
	// appliedSeq the attempt whose data is currently held.
	seq        uint64
	invalSeq   uint64
	invalCount uint64
	appliedSeq uint64
	inflight   map[uint64]context.CancelFunc

	gcTimer *time.Timer
}

// Cache maps keys to entries. It is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	group   singleflight.Group
	nextSub uint64
	gcTime  time.Duration
	log     *slog.Logger
	closed  bool
}

// New creates an empty cache.
func New[T any](opts Options) *Cache[T] {
	gc := opts.GCTime
	if gc == 0 {
		gc = DefaultGCTime
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Cache[T]{
		entries: make(map[string]*entry[T]),
		gcTime:  gc,
		log:     l.With("component", "cache"),
	}
}

// Get returns the current snapshot for key. ok is false when no entry exists.
func (c *Cache[T]) Get(key string) (Snapshot[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot[T]{Key: key, Status: StatusIdle}, false
	}
	return e.snapshot(), true
}

// Subscribe registers fn for state changes of key and creates the entry if
// needed. The returned function unsubscribes; calling it more than once is
// harmless. When the last subscriber leaves, in-flight fetches for the key
// are cancelled and their late results ignored.
func (c *Cache[T]) Subscribe(key string, fn Listener[T]) (unsubscribe func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	e := c.ensure(key)
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	c.nextSub++
	id := c.nextSub
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})
	n := len(e.subs)
	c.mu.Unlock()

	metrics.SetSubscribers(key, n)
	c.log.Debug("subscribed", "key", key, "subscribers", n)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(key, e, id) })
	}
}

func (c *Cache[T]) unsubscribe(key string, e *entry[T], id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	n := len(e.subs)
	metrics.SetSubscribers(key, n)
	if n > 0 || c.entries[key] != e {
		return
	}
	e.gen++
	if len(e.inflight) > 0 {
		for _, cancel := range e.inflight {
			cancel()
		}
		e.inflight = make(map[uint64]context.CancelFunc)
		// the refresh never landed, next subscriber has to fetch again
		e.stale = true
		e.settle()
		e.version++
		c.log.Debug("abandoned in-flight fetch", "key", key)
	} else if e.status == StatusFetching {
		// a refetch was announced but never started
		e.settle()
		e.version++
	}
	c.scheduleGC(e)
}

// Invalidate marks key stale. With active subscribers and a known fetcher a
// background refetch starts and subscribers are told the entry is fetching;
// data already held stays visible. Without subscribers the entry is only
// marked, so the next subscriber refetches.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	e.stale = true
	e.invalSeq = e.seq
	e.invalCount++
	metrics.IncInvalidation(key)
	if len(e.subs) == 0 || e.fetcher == nil {
		c.mu.Unlock()
		c.log.Debug("invalidated", "key", key, "refetch", false)
		return
	}
	e.status = StatusFetching
	e.version++
	gen := e.gen
	snap, subs := e.snapshot(), e.listeners()
	c.mu.Unlock()

	c.log.Debug("invalidated", "key", key, "refetch", true, "subscribers", len(subs))
	c.emit(snap, subs)
	go func() {
		if _, err := c.fetch(context.Background(), key, nil, &gen); err != nil && !errors.Is(err, ErrAbandoned) {
			c.log.Warn("background refetch failed", "key", key, "error", err)
		}
	}()
}

// Fetch loads key with fn, or with the fetcher registered by an earlier call
// when fn is nil. Concurrent calls for the same key coalesce into a single
// request unless an Invalidate happened in between. The returned snapshot
// reflects the entry right after this request landed. ctx only bounds the
// wait; the request itself is cancelled when the last subscriber leaves.
func (c *Cache[T]) Fetch(ctx context.Context, key string, fn Fetcher[T]) (Snapshot[T], error) {
	return c.fetch(ctx, key, fn, nil)
}

// fetch runs Fetch for the generation pinned by the caller, or the current one.
func (c *Cache[T]) fetch(ctx context.Context, key string, fn Fetcher[T], pinned *uint64) (Snapshot[T], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot[T]{Key: key}, ErrClosed
	}
	e := c.ensure(key)
	if fn != nil {
		e.fetcher = fn
	}
	if e.fetcher == nil {
		snap := e.snapshot()
		c.mu.Unlock()
		return snap, ErrNoFetcher
	}
	gen := e.gen
	if pinned != nil {
		gen = *pinned
	}
	flight := fmt.Sprintf("%s#%d#%d", key, gen, e.invalCount)
	joining := len(e.inflight) > 0
	c.mu.Unlock()

	if joining {
		metrics.IncCoalesced(key)
	}
	ch := c.group.DoChan(flight, func() (any, error) {
		return c.run(key, gen)
	})
	select {
	case <-ctx.Done():
		snap, _ := c.Get(key)
		return snap, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(Snapshot[T])
		return snap, res.Err
	}
}

func (c *Cache[T]) run(key string, gen uint64) (Snapshot[T], error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return Snapshot[T]{Key: key}, ErrClosed
	}
	if e.gen != gen {
		c.mu.Unlock()
		metrics.IncFetch(key, "abandoned")
		return Snapshot[T]{Key: key}, ErrAbandoned
	}
	fn := e.fetcher
	e.seq++
	mySeq := e.seq
	fctx, cancel := context.WithCancel(context.Background())
	e.inflight[mySeq] = cancel
	e.status = StatusFetching
	e.version++
	snap, subs := e.snapshot(), e.listeners()
	c.mu.Unlock()

	c.emit(snap, subs)

	var (
		data T
		err  error
		pc   panics.Catcher
	)
	pc.Try(func() { data, err = fn(fctx) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
		c.log.Error("fetcher panicked", "key", key, "panic", r.Value)
	}
	cancel()

	c.mu.Lock()
	if cur, ok := c.entries[key]; !ok || cur != e || e.gen != gen {
		c.mu.Unlock()
		metrics.IncFetch(key, "abandoned")
		c.log.Debug("dropping late fetch result", "key", key)
		return Snapshot[T]{Key: key}, ErrAbandoned
	}
	delete(e.inflight, mySeq)

	switch {
	case err != nil && mySeq < e.seq:
		// a newer attempt decides the outcome
		metrics.IncFetch(key, "error")
	case err != nil:
		metrics.IncFetch(key, "error")
		e.err = err
	case mySeq < e.appliedSeq:
		// older than the data already held
		metrics.IncFetch(key, "superseded")
	default:
		metrics.IncFetch(key, "success")
		e.data = data
		e.hasData = true
		e.err = nil
		e.appliedSeq = mySeq
		e.updatedAt = time.Now()
		e.stale = mySeq <= e.invalSeq
	}
	e.settle()
	e.version++
	snap, subs = e.snapshot(), e.listeners()
	if len(e.subs) == 0 {
		c.scheduleGC(e)
	}
	c.mu.Unlock()

	c.emit(snap, subs)
	return snap, err
}

// Close cancels in-flight fetches, stops eviction timers and drops every
// entry. Later calls return ErrClosed or do nothing.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.entries {
		for _, cancel := range e.inflight {
			cancel()
		}
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
		e.gen++
	}
	c.entries = make(map[string]*entry[T])
}

// Len reports how many entries are held.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[T]) ensure(key string) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{key: key, status: StatusIdle, inflight: make(map[uint64]context.CancelFunc)}
		c.entries[key] = e
	}
	return e
}

// scheduleGC must be called with c.mu held.
func (c *Cache[T]) scheduleGC(e *entry[T]) {
	if c.gcTime < 0 || c.closed {
		return
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	e.gcTimer = time.AfterFunc(c.gcTime, func() { c.evict(e) })
}

func (c *Cache[T]) evict(e *entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.key] != e || len(e.subs) > 0 || len(e.inflight) > 0 {
		return
	}
	delete(c.entries, e.key)
	metrics.IncEviction(e.key)
	c.log.Debug("evicted", "key", e.key)
}

func (c *Cache[T]) emit(snap Snapshot[T], subs []Listener[T]) {
	for _, fn := range subs {
		var pc panics.Catcher
		pc.Try(func() { fn(snap) })
		if r := pc.Recovered(); r != nil {
			c.log.Error("subscriber panicked", "key", snap.Key, "panic", r.Value)
		}
	}
}

// settle derives status from what the entry holds once a fetch finished.
func (e *entry[T]) settle() {
	switch {
	case len(e.inflight) > 0:
		e.status = StatusFetching
	case e.err != nil:
		e.status = StatusError
	case e.hasData:
		e.status = StatusSuccess
	default:
		e.status = StatusIdle
	}
}

func (e *entry[T]) listeners() []Listener[T] {
	out := make([]Listener[T], len(e.subs))
	for i, s := range e.subs {
		out[i] = s.fn
	}
	return out
}
