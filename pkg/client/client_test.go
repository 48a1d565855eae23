package client

import (
	"context"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stepsync/internal/config"
	"github.com/loykin/stepsync/internal/notify"
	"github.com/loykin/stepsync/internal/server"
	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
	"github.com/loykin/stepsync/internal/store/sqlite"
	apitls "github.com/loykin/stepsync/internal/tls"
	"github.com/loykin/stepsync/internal/tracker"
)

func newBackend(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return server.NewRouter(db, "/api").Handler()
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url + "/api/", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestInsertListStats(t *testing.T) {
	ts := httptest.NewServer(newBackend(t))
	defer ts.Close()
	c := newClient(t, ts.URL)
	ctx := context.Background()

	recs, err := c.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	for _, n := range []int{3000, 9000, 12000} {
		rec, err := c.Insert(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, n, rec.StepsCount)
	}
	recs, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 3000, recs[0].StepsCount)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 8000, st.Stats.Avg)
	assert.Equal(t, steps.RecommendedDailySteps, st.Recommended)

	require.NoError(t, c.Ping(ctx))
}

func TestErrorMapping(t *testing.T) {
	ts := httptest.NewServer(newBackend(t))
	defer ts.Close()
	c := newClient(t, ts.URL)

	_, err := c.Insert(context.Background(), 100001)
	var ve *steps.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Steps must be at most 100,000", ve.Message)

	status := func(code int, body string) *Client {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return newClient(t, srv.URL)
	}

	_, err = status(422, `{"error":"CHECK constraint failed","kind":"constraint"}`).Insert(context.Background(), 5)
	var ce *store.ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "CHECK constraint failed", err.Error())

	_, err = status(400, `{"error":"bad","kind":"query"}`).List(context.Background())
	var qe *store.QueryError
	require.ErrorAs(t, err, &qe)

	_, err = status(503, `not json`).List(context.Background())
	var te *store.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "HTTP 503", err.Error())
}

func TestUnreachableServerIsTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url)
	_, err := c.List(context.Background())
	var te *store.TransportError
	require.True(t, errors.As(err, &te), "got %T %v", err, err)
}

func TestSessionOverHTTP(t *testing.T) {
	ts := httptest.NewServer(newBackend(t))
	defer ts.Close()
	c := newClient(t, ts.URL)

	toasts := notify.NewQueue(4)
	s, err := tracker.NewSession(tracker.Options{Table: c, Notifier: toasts, GCTime: -1})
	require.NoError(t, err)
	defer s.Close()

	q := s.Steps(nil)
	defer q.Close()
	_, err = s.SaveSteps(nil).Mutate(context.Background(), 4321)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := q.State()
		return len(st.Data) == 1 && !st.IsFetching
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4321, q.State().Data[0].StepsCount)

	toast := <-toasts.C()
	assert.Equal(t, tracker.SuccessMessage, toast.Message)
}

func TestTLSWithCACert(t *testing.T) {
	ts := httptest.NewTLSServer(newBackend(t))
	defer ts.Close()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, pemBytes, 0o600))

	c, err := New(Config{
		BaseURL: ts.URL + "/api",
		TLS:     &TLSClientConfig{Enabled: true, CACert: caPath},
	})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))

	insecure, err := New(Config{BaseURL: ts.URL + "/api", Insecure: true})
	require.NoError(t, err)
	require.NoError(t, insecure.Ping(context.Background()))

	plain, err := New(Config{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	var te *store.TransportError
	assert.ErrorAs(t, plain.Ping(context.Background()), &te)
}

func TestMutualTLSWithServerName(t *testing.T) {
	dir := t.TempDir()
	gen := func(name string, hosts ...string) (string, string) {
		cert, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
		require.NoError(t, apitls.GenerateSelfSigned(apitls.CertConfig{Hosts: hosts, CertPath: cert, KeyPath: key}))
		return cert, key
	}
	srvCert, srvKey := gen("server", "steps.internal")
	cliCert, cliKey := gen("client", "cli")

	tc, err := apitls.ServerConfig(config.TLSConfig{
		Enabled:  true,
		CertFile: srvCert,
		KeyFile:  srvKey,
		ClientCA: cliCert,
	})
	require.NoError(t, err)
	ts := httptest.NewUnstartedServer(newBackend(t))
	ts.TLS = tc
	ts.StartTLS()
	defer ts.Close()

	ctx := context.Background()
	full := TLSClientConfig{
		Enabled:    true,
		CACert:     srvCert,
		ClientCert: cliCert,
		ClientKey:  cliKey,
		ServerName: "steps.internal",
	}
	c, err := New(Config{BaseURL: ts.URL + "/api", TLS: &full})
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))

	// the certificate names steps.internal, not the listener IP
	noName := full
	noName.ServerName = ""
	c, err = New(Config{BaseURL: ts.URL + "/api", TLS: &noName})
	require.NoError(t, err)
	var te *store.TransportError
	assert.ErrorAs(t, c.Ping(ctx), &te)

	noCert := full
	noCert.ClientCert, noCert.ClientKey = "", ""
	c, err = New(Config{BaseURL: ts.URL + "/api", TLS: &noCert})
	require.NoError(t, err)
	assert.ErrorAs(t, c.Ping(ctx), &te)

	_, err = New(Config{TLS: &TLSClientConfig{Enabled: true, ClientCert: cliCert, ClientKey: filepath.Join(dir, "missing.key")}})
	assert.Error(t, err)
}

func TestBadCAFile(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o600))
	_, err := New(Config{TLS: &TLSClientConfig{Enabled: true, CACert: bad}})
	assert.Error(t, err)
	_, err = New(Config{TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api", c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
}
