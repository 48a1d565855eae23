package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/loykin/stepsync/internal/metrics"
)

const (
	DefaultBuffer      = 64
	DefaultSendTimeout = 5 * time.Second
)

// Exporter hands events to a Sink from a background worker. Publish never
// blocks; events are dropped when the buffer is full.
type Exporter struct {
	sink    Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration

	wg     conc.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewExporter(sink Sink, buffer int, logger *slog.Logger) *Exporter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	x := &Exporter{
		sink:    sink,
		ch:      make(chan Event, buffer),
		log:     logger.With("component", "history"),
		timeout: DefaultSendTimeout,
	}
	x.wg.Go(x.loop)
	return x
}

// Publish queues e. It reports false when e was dropped.
func (x *Exporter) Publish(e Event) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return false
	}
	select {
	case x.ch <- e:
		return true
	default:
		metrics.IncHistoryError()
		x.log.Warn("history buffer full, dropping event", "type", e.Type, "record", e.Record.ID)
		return false
	}
}

func (x *Exporter) loop() {
	for e := range x.ch {
		ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
		err := x.sink.Send(ctx, e)
		cancel()
		if err != nil {
			metrics.IncHistoryError()
			x.log.Error("history send failed", "type", e.Type, "record", e.Record.ID, "error", err)
		}
	}
}

// Close flushes queued events and closes the sink.
func (x *Exporter) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	close(x.ch)
	x.mu.Unlock()
	x.wg.Wait()
	return x.sink.Close()
}
