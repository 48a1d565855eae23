package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cacheFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Number of fetches issued to the collaborator, by result.",
		}, []string{"key", "result"},
	)
	cacheCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "cache",
			Name:      "coalesced_total",
			Help:      "Number of fetch callers that joined an in-flight request.",
		}, []string{"key"},
	)
	cacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Number of times a key was marked stale.",
		}, []string{"key"},
	)
	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Number of entries dropped after their GC delay.",
		}, []string{"key"},
	)
	cacheSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stepsync",
			Subsystem: "cache",
			Name:      "subscribers",
			Help:      "Current subscribers per key.",
		}, []string{"key"},
	)
	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "mutation",
			Name:      "total",
			Help:      "Number of write attempts, by result.",
		}, []string{"result"},
	)
	notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notifications dropped because the queue was full.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"},
	)
	historyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stepsync",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "History events that failed to export.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		cacheFetches, cacheCoalesced, cacheInvalidations, cacheEvictions, cacheSubscribers,
		mutations, notificationsDropped, httpRequests, historyErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncFetch(key, result string) {
	if regOK.Load() {
		cacheFetches.WithLabelValues(key, result).Inc()
	}
}

func IncCoalesced(key string) {
	if regOK.Load() {
		cacheCoalesced.WithLabelValues(key).Inc()
	}
}

func IncInvalidation(key string) {
	if regOK.Load() {
		cacheInvalidations.WithLabelValues(key).Inc()
	}
}

func IncEviction(key string) {
	if regOK.Load() {
		cacheEvictions.WithLabelValues(key).Inc()
	}
}

func SetSubscribers(key string, n int) {
	if regOK.Load() {
		cacheSubscribers.WithLabelValues(key).Set(float64(n))
	}
}

func IncMutation(result string) {
	if regOK.Load() {
		mutations.WithLabelValues(result).Inc()
	}
}

func IncNotificationDropped() {
	if regOK.Load() {
		notificationsDropped.Inc()
	}
}

func IncHTTPRequest(route string, code int) {
	if regOK.Load() {
		httpRequests.WithLabelValues(route, statusLabel(code)).Inc()
	}
}

func IncHistoryError() {
	if regOK.Load() {
		historyErrors.Inc()
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
