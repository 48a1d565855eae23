package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stepsync/internal/history"
	"github.com/loykin/stepsync/internal/server"
	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
	"github.com/loykin/stepsync/internal/store/sqlite"
)

// syncBuffer is written by the watch loop while the test reads it.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type rejectTable struct{}

func (rejectTable) List(context.Context) ([]steps.Record, error) { return []steps.Record{}, nil }
func (rejectTable) Insert(context.Context, int) (steps.Record, error) {
	return steps.Record{}, &store.ConstraintError{Err: errors.New("value out of range")}
}

func startAPI(t *testing.T) (string, *sqlite.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	ts := httptest.NewServer(server.NewRouter(db, "/api").Handler())
	t.Cleanup(ts.Close)
	return ts.URL + "/api", db
}

func run(ctx context.Context, out, errOut *syncBuffer, args ...string) error {
	c := newCommand(out)
	c.errOut = errOut
	root := buildRoot(c)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.ExecuteContext(ctx)
}

func TestAddSavesAndPrintsHint(t *testing.T) {
	api, db := startAPI(t)
	out, errOut := &syncBuffer{}, &syncBuffer{}

	err := run(context.Background(), out, errOut, "add", "9000", "--api-url", api)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "Recommendation")
	assert.Contains(t, got, "✔ Success!")
	assert.Contains(t, got, "Saved 9,000 steps")

	recs, err := db.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 9000, recs[0].StepsCount)
}

func TestAddRejectsInvalidInputBeforeRequest(t *testing.T) {
	api, db := startAPI(t)
	cases := map[string]string{
		"abc":    steps.MsgNotNumber,
		" 9000 ": steps.MsgNotNumber,
		"0":      "Steps must be at least 1",
		"100001": "Steps must be at most 100,000",
		"":       steps.MsgRequired,
	}
	for in, msg := range cases {
		out, errOut := &syncBuffer{}, &syncBuffer{}
		err := run(context.Background(), out, errOut, "add", in, "--api-url", api)
		var ve *steps.ValidationError
		require.ErrorAs(t, err, &ve, "input %q", in)
		assert.Equal(t, msg, ve.Message, "input %q", in)
		assert.NotContains(t, out.String(), "Success", "input %q", in)
	}
	recs, err := db.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAddServerRejectionShowsErrorToast(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(rejectTable{}, "/api").Handler())
	defer ts.Close()

	out, errOut := &syncBuffer{}, &syncBuffer{}
	err := run(context.Background(), out, errOut, "add", "500", "--api-url", ts.URL+"/api")
	var ce *store.ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, errOut.String(), "✖ Error value out of range")
	assert.NotContains(t, out.String(), "Recommendation")
}

func TestAddUnreachableServerIsTransportError(t *testing.T) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	err := run(context.Background(), out, errOut, "add", "500",
		"--api-url", "http://127.0.0.1:1/api", "--timeout", "500ms")
	var te *store.TransportError
	require.ErrorAs(t, err, &te)
}

func TestStatsRendersAggregatesAndBars(t *testing.T) {
	api, db := startAPI(t)
	ctx := context.Background()
	for _, n := range []int{3000, 9000} {
		_, err := db.Insert(ctx, n)
		require.NoError(t, err)
	}

	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(ctx, out, errOut, "stats", "--api-url", api))

	got := out.String()
	assert.Contains(t, got, "Total    12,000")
	assert.Contains(t, got, "Average  6,000")
	assert.Contains(t, got, "Min      3,000")
	assert.Contains(t, got, "Max      9,000")
	assert.Contains(t, got, "D1")
	assert.Contains(t, got, "D2")
	assert.Contains(t, got, "<- today")
}

func TestStatsEmpty(t *testing.T) {
	api, _ := startAPI(t)
	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "stats", "--api-url", api))
	assert.Contains(t, out.String(), "Total    0")
	assert.Contains(t, out.String(), "No steps recorded yet.")
}

func TestStatsWatchPicksUpNewRecords(t *testing.T) {
	api, db := startAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errOut := &syncBuffer{}, &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, out, errOut, "stats", "--watch", "--interval", "20ms", "--api-url", api)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Total    0") },
		2*time.Second, 10*time.Millisecond)
	_, err := db.Insert(context.Background(), 500)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Total    500") },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func TestListPrintsJSONInOrder(t *testing.T) {
	api, db := startAPI(t)
	ctx := context.Background()
	for _, n := range []int{100, 200, 300} {
		_, err := db.Insert(ctx, n)
		require.NoError(t, err)
	}

	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(ctx, out, errOut, "list", "--api-url", api))

	var recs []steps.Record
	require.NoError(t, json.Unmarshal([]byte(out.String()), &recs))
	require.Len(t, recs, 3)
	for i, n := range []int{100, 200, 300} {
		assert.Equal(t, n, recs[i].StepsCount)
	}
}

var savedIDRe = regexp.MustCompile(`Saved [\d,]+ steps \(([^)]+)\)`)

func TestServeRecordsAndExportsHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stepsync.toml")
	cfg := fmt.Sprintf(`
[store]
dsn = "sqlite://%s"

[server]
listen = "127.0.0.1:0"
base_path = "/api"

[history]
enabled = true
dsn = "sqlite://%s"
`, filepath.Join(dir, "steps.db"), filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	c := newCommand(&syncBuffer{})
	c.errOut = &syncBuffer{}
	c.onListen = func(addr string) { addrCh <- addr }
	root := buildRoot(c)
	root.SetArgs([]string{"serve", cfgPath})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not start")
	}

	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "add", "4200", "--api-url", "http://"+addr+"/api"))
	m := savedIDRe.FindStringSubmatch(out.String())
	require.Len(t, m, 2, "output: %s", out.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not shut down")
	}

	sink, err := history.NewSQLSinkFromDSN("sqlite://" + filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), m[1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nrefetch_interval = \"-1s\"\n"), 0o644))
	c := newCommand(&syncBuffer{})
	c.errOut = &syncBuffer{}
	root := buildRoot(c)
	root.SetArgs([]string{"serve", path})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestServeOverTLSWithGeneratedCert(t *testing.T) {
	dir := t.TempDir()
	tlsDir := filepath.Join(dir, "tls")
	cfgPath := filepath.Join(dir, "stepsync.toml")
	cfg := fmt.Sprintf(`
[store]
dsn = "sqlite://%s"

[server]
listen = "127.0.0.1:0"

[server.tls]
enabled = true
dir = "%s"
auto_generate = true
`, filepath.Join(dir, "steps.db"), tlsDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	c := newCommand(&syncBuffer{})
	c.errOut = &syncBuffer{}
	c.onListen = func(addr string) { addrCh <- addr }
	root := buildRoot(c)
	root.SetArgs([]string{"serve", "--config", cfgPath})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not start")
	}

	clientCfg := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(clientCfg, []byte(fmt.Sprintf(
		"[client]\napi_url = \"https://%s/api\"\nca_cert = \"%s\"\n", addr, filepath.Join(tlsDir, "ca.crt"))), 0o644))

	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "add", "700", "--config", clientCfg))
	assert.Contains(t, out.String(), "Saved 700 steps")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not shut down")
	}
}

// countRequests wraps h and counts requests per path.
func countRequests(h http.Handler, path string, n *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			n.Add(1)
		}
		h.ServeHTTP(w, r)
	})
}

func TestOneShotCommandsListOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.EnsureSchema(context.Background()))
	_, err = db.Insert(context.Background(), 4000)
	require.NoError(t, err)

	var lists, stats atomic.Int32
	h := countRequests(server.NewRouter(db, "/api").Handler(), "/api/steps", &lists)
	ts := httptest.NewServer(countRequests(h, "/api/stats", &stats))
	defer ts.Close()

	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "list", "--api-url", ts.URL+"/api"))
	assert.Equal(t, int32(1), lists.Load())

	out = &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "stats", "--api-url", ts.URL+"/api"))
	assert.Equal(t, int32(2), lists.Load())
	assert.Equal(t, int32(1), stats.Load())
	assert.Contains(t, out.String(), "Goal     10,000 a day")
	assert.NotContains(t, errOut.String(), "differ")
}

func TestHealth(t *testing.T) {
	api, _ := startAPI(t)
	out, errOut := &syncBuffer{}, &syncBuffer{}
	require.NoError(t, run(context.Background(), out, errOut, "health", "--api-url", api))
	assert.Contains(t, out.String(), "ok "+api)

	err := run(context.Background(), out, errOut, "health",
		"--api-url", "http://127.0.0.1:1/api", "--timeout", "500ms")
	var te *store.TransportError
	assert.ErrorAs(t, err, &te)
}
