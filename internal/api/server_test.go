package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/monitoring"
	"github.com/loginsentry/loginsentry/internal/policy"
	"github.com/loginsentry/loginsentry/internal/stats"
)

type testServer struct {
	*Server
	http     *httptest.Server
	counters *monitoring.Counters
	deny     *lists.Store
	allow    *lists.Store
	db       *stats.DB
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	db, err := stats.New("logindb", 600, 6, []stats.FieldSpec{
		{Name: "failures", Kind: stats.KindInt},
	})
	require.NoError(t, err)

	ts := &testServer{
		counters: monitoring.NewCounters(),
		deny:     lists.NewStore(lists.Deny),
		allow:    lists.NewStore(lists.Allow),
		db:       db,
	}
	opts := Options{
		Password: "secret",
		DBs:      []*stats.DB{db},
		Deny:     ts.deny,
		Allow:    ts.allow,
		Counters: ts.counters,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.Server = NewServer(opts)
	ts.http = httptest.NewServer(ts.Handler())
	t.Cleanup(func() {
		ts.http.Close()
		ts.Server.Stop()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, command, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+"/?command="+command, strings.NewReader(body))
	require.NoError(t, err)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth("", "secret")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/?command=stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `basic realm="wforce"`, resp.Header.Get("WWW-Authenticate"))

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/?command=stats", nil)
	req.SetBasicAuth("", "wrong")
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ok := ts.do(t, http.MethodGet, "stats", "")
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestPostRequiresJSONContentType(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/?command=report", strings.NewReader("login=bob"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.SetBasicAuth("", "secret")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	// Media type parameters are fine, only the type itself has to match.
	req, err = http.NewRequest(http.MethodPost, ts.http.URL+"/?command=report",
		strings.NewReader(`{"login":"bob","remote":"203.0.113.9"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.SetBasicAuth("", "secret")
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDenylistShortCircuit(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "addBLEntry", `{"ip":"198.51.100.1","expire_secs":3600,"reason":"abuse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "allow", `{"login":"bob","remote":"198.51.100.1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(-1), body["status"])
	assert.Equal(t, msgDenyIP, body["msg"])
	assert.Equal(t, uint64(1), ts.counters.Denieds.Load())

	resp = ts.do(t, http.MethodPost, "delBLEntry", `{"ip":"198.51.100.1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "allow", `{"login":"bob","remote":"198.51.100.1"}`)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(0), body["status"])
	assert.Equal(t, uint64(1), ts.counters.Allows.Load())
}

func TestAllowlistBeatsDenylist(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodPost, "addBLEntry", `{"login":"bob","expire_secs":3600}`)
	ts.do(t, http.MethodPost, "addWLEntry", `{"login":"bob","expire_secs":3600,"reason":"vip"}`)

	resp := ts.do(t, http.MethodPost, "allow", `{"login":"bob","remote":"203.0.113.9"}`)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["status"])
}

func TestNetmaskEntry(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "addBLEntry", `{"netmask":"10.0.0.0/8","expire_secs":3600,"reason":"internal"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "allow", `{"login":"bob","remote":"10.5.6.7"}`)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(-1), body["status"])

	resp = ts.do(t, http.MethodPost, "allow", `{"login":"bob","remote":"11.0.0.1"}`)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(0), body["status"])
}

func TestGetBL(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "addBLEntry", `{"ip":"198.51.100.2","expire_secs":3600,"reason":"abuse"}`)

	resp := ts.do(t, http.MethodGet, "getBL", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		} `json:"bl_entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "198.51.100.2", body.Entries[0].Key)
	assert.Equal(t, "abuse", body.Entries[0].Reason)

	resp = ts.do(t, http.MethodGet, "getWL", "")
	wl := decodeBody(t, resp)
	assert.Empty(t, wl["wl_entries"])
}

func TestReport(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "report", `{"login":"bob","remote":"203.0.113.9","success":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
	assert.Equal(t, uint64(1), ts.counters.Reports.Load())
}

func TestResetValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "reset", `{"ip":"203.0.113.9","login":"bob"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "reset", `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "reset", `{"ip":"not-an-ip"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStatsBody(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "addBLEntry", `{"ip":"198.51.100.1","expire_secs":60}`)

	resp := ts.do(t, http.MethodGet, "stats", "")
	body := decodeBody(t, resp)
	assert.Contains(t, body, "uptime_secs")
	assert.Contains(t, body, "queue_wait")
	assert.Equal(t, float64(1), body["bl_size"])
	assert.Equal(t, float64(0), body["wl_size"])
	sizes, ok := body["db_sizes"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, sizes, "logindb")
}

func TestPingWarmupCycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "ping", "")
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])

	ts.SetReady(false)
	resp = ts.do(t, http.MethodGet, "ping", "")
	assert.Equal(t, "warmup", decodeBody(t, resp)["status"])

	resp = ts.do(t, http.MethodGet, "syncDone", "")
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])

	resp = ts.do(t, http.MethodGet, "ping", "")
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestDispatchErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "nonesuch", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/", nil)
	req.SetBasicAuth("", "secret")
	noCmd, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer noCmd.Body.Close()
	assert.Equal(t, http.StatusNotFound, noCmd.StatusCode)

	// allow is POST-only.
	resp = ts.do(t, http.MethodGet, "allow", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// syncDBs without a replication manager cannot be served.
	resp = ts.do(t, http.MethodPost, "syncDBs",
		`{"replication_host":"127.0.0.1","replication_port":4001,"callback_url":"http://127.0.0.1/cb"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetDBStats(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.db.AddInt("192.0.2.5", "failures", 7)
	ts.db.AddInt("bob", "failures", 3)
	ts.db.AddInt("192.0.2.5:bob", "failures", 2)

	resp := ts.do(t, http.MethodPost, "getDBStats", `{"ip":"192.0.2.5","login":"bob"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string                               `json:"status"`
		Stats  map[string]map[string]map[string]int `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 7, body.Stats["ip"]["logindb"]["failures"])
	assert.Equal(t, 3, body.Stats["login"]["logindb"]["failures"])
	assert.Equal(t, 2, body.Stats["ip_login"]["logindb"]["failures"])

	resp = ts.do(t, http.MethodPost, "getDBStats", `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCustomEndpoint(t *testing.T) {
	script := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
setCustomEndpoint("version", function(args)
  return { version = "1.2.3", echo = args.q }
end)
`), 0o644))
	pool, err := policy.NewPool(script, 1, &policy.Bindings{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ts := newTestServer(t, func(o *Options) { o.Policy = pool })

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/?command=version&q=hello", nil)
	req.SetBasicAuth("", "secret")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	raw := new(strings.Builder)
	_, err = io.Copy(raw, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "version=1.2.3")
	assert.Contains(t, raw.String(), "echo=hello")

	post := ts.do(t, http.MethodPost, "version", `{"q":"there"}`)
	body := decodeBody(t, post)
	assert.Equal(t, "there", body["echo"])
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestVerdictLogMessages(t *testing.T) {
	script := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
function allow(event)
  if event.login == "locked" then
    return 3, "Attempt rate too high", "slowing down "..event.login, {}
  end
  return -1, "go away", "rejecting "..event.login, {}
end
`), 0o644))
	pool, err := policy.NewPool(script, 1, &policy.Bindings{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	buf := &logBuffer{}
	prev := log.Writer()
	log.SetOutput(buf)
	t.Cleanup(func() { log.SetOutput(prev) })

	ts := newTestServer(t, func(o *Options) { o.Policy = pool })

	resp := ts.do(t, http.MethodPost, "allow", `{"login":"locked","remote":"203.0.113.9"}`)
	body := decodeBody(t, resp)
	require.Equal(t, float64(3), body["status"])
	assert.Contains(t, buf.String(), "tarpit")
	assert.Contains(t, buf.String(), "slowing down locked")

	resp = ts.do(t, http.MethodPost, "allow", `{"login":"mallory","remote":"203.0.113.9"}`)
	body = decodeBody(t, resp)
	require.Equal(t, float64(-1), body["status"])
	assert.Contains(t, buf.String(), "rejecting mallory")
}

func TestStartSetsReadTimeouts(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.Start("127.0.0.1:0"))
	assert.Equal(t, 5*time.Second, ts.httpSrv.ReadTimeout)
	assert.Equal(t, 5*time.Second, ts.httpSrv.ReadHeaderTimeout)
}
