package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stepsync/internal/history"
	"github.com/loykin/stepsync/internal/metrics"
	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
	"github.com/loykin/stepsync/internal/tracker"
)

// Router exposes a step table over HTTP.
// Endpoints:
//
//	GET  {basePath}/steps     list of records, oldest first
//	POST {basePath}/steps     body: {"steps_count": n}; 201 with the created record
//	GET  {basePath}/stats     aggregates and chart bars
//	GET  {basePath}/healthz   table reachability
//
// Errors are {"error": "...", "kind": "..."} with kind one of validation,
// constraint, query or transport.
type Router struct {
	table    tracker.Table
	basePath string
	events   Publisher
	log      *slog.Logger
	now      func() time.Time
}

// Publisher receives an event per inserted record. history.Exporter
// satisfies it.
type Publisher interface {
	Publish(e history.Event) bool
}

// Option configures a Router.
type Option func(*Router)

// WithHistory exports every inserted record to p.
func WithHistory(p Publisher) Option { return func(r *Router) { r.events = p } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithClock overrides time.Now, used to pick today's bar.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/steps, /api/stats.
func NewRouter(table tracker.Table, basePath string, opts ...Option) *Router {
	r := &Router{table: table, basePath: sanitizeBase(basePath), log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "server")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.observe)
	group := g.Group(r.basePath)
	group.GET("/steps", r.handleList)
	group.POST("/steps", r.handleInsert)
	group.GET("/stats", r.handleStats)
	group.GET("/healthz", r.handleHealth)
	return g
}

// NewServer builds an HTTP server for addr; the caller starts it.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string     `json:"error"`
	Kind  store.Kind `json:"kind"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type insertReq struct {
	StepsCount *int `json:"steps_count"`
}

type statsResp struct {
	Stats       *steps.Stats `json:"stats"`
	Bars        []steps.Bar  `json:"bars"`
	Recommended int          `json:"recommended"`
}

func (r *Router) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.IncHTTPRequest(route, c.Writer.Status())
	r.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (r *Router) handleList(c *gin.Context) {
	recs, err := r.table.List(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleInsert(c *gin.Context) {
	var req insertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Kind: store.KindQuery})
		return
	}
	if req.StepsCount == nil {
		r.fail(c, &steps.ValidationError{Field: "steps_count", Message: steps.MsgRequired})
		return
	}
	if err := steps.ValidateCount(*req.StepsCount); err != nil {
		r.fail(c, err)
		return
	}
	rec, err := r.table.Insert(c.Request.Context(), *req.StepsCount)
	if err != nil {
		r.fail(c, err)
		return
	}
	if r.events != nil {
		r.events.Publish(history.StepRecorded(rec, r.now()))
	}
	r.log.Info("step recorded", "id", rec.ID, "steps", rec.StepsCount)
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleStats(c *gin.Context) {
	recs, err := r.table.List(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statsResp{
		Stats:       steps.ComputeStats(recs),
		Bars:        steps.Bars(recs, r.now()),
		Recommended: steps.RecommendedDailySteps,
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (r *Router) handleHealth(c *gin.Context) {
	if p, ok := r.table.(pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			r.fail(c, &store.TransportError{Err: err})
			return
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) fail(c *gin.Context, err error) {
	kind := store.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "path", c.Request.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(c, code, errorResp{Error: errorMessage(err), Kind: kind})
}
