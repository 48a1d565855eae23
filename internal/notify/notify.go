// Package notify delivers transient user-facing messages (toasts).
// Every Notifier is fire-and-forget: calls never block the caller.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stepsync/internal/metrics"
)

// Placement hints where a success toast is shown.
type Placement string

const (
	PlacementTop    Placement = "top"
	PlacementBottom Placement = "bottom"
)

// Kind of toast.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Toast is one delivered message.
type Toast struct {
	Kind      Kind
	Message   string
	Placement Placement
	At        time.Time
}

// Notifier accepts success and error messages.
type Notifier interface {
	Success(message string, placement Placement)
	Error(message string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Success(string, Placement) {}
func (Nop) Error(string)              {}

// Log writes toasts to a slog.Logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) Success(message string, placement Placement) {
	l.logger().Info(message, "toast", KindSuccess, "placement", placement)
}

func (l Log) Error(message string) {
	l.logger().Error(message, "toast", KindError)
}

// Multi fans a toast out to several notifiers.
type Multi []Notifier

func (m Multi) Success(message string, placement Placement) {
	for _, n := range m {
		if n != nil {
			n.Success(message, placement)
		}
	}
}

func (m Multi) Error(message string) {
	for _, n := range m {
		if n != nil {
			n.Error(message)
		}
	}
}

// DefaultQueueSize is the buffer of a Queue created with size <= 0.
const DefaultQueueSize = 32

// Queue buffers toasts for a consumer reading C. When the buffer is full the
// toast is dropped rather than blocking the sender.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Toast
	closed bool
	now    func() time.Time
}

// NewQueue creates a queue holding up to size toasts.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Toast, size), now: time.Now}
}

// C returns the receive side. It is closed by Close.
func (q *Queue) C() <-chan Toast { return q.ch }

func (q *Queue) Success(message string, placement Placement) {
	q.push(Toast{Kind: KindSuccess, Message: message, Placement: placement})
}

func (q *Queue) Error(message string) {
	q.push(Toast{Kind: KindError, Message: message, Placement: PlacementTop})
}

func (q *Queue) push(t Toast) {
	t.At = q.now()
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- t:
	default:
		metrics.IncNotificationDropped()
	}
}

// Close stops accepting toasts and closes C.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
