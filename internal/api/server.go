// Package api serves the HTTP command API: every request carries a
// ?command= query parameter dispatched to a handler running on a bounded
// worker pool. Policy verdict endpoints, list management, stats inspection
// and the warm-sync handshake all live here.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loginsentry/loginsentry/internal/acl"
	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/monitoring"
	"github.com/loginsentry/loginsentry/internal/policy"
	"github.com/loginsentry/loginsentry/internal/replication"
	"github.com/loginsentry/loginsentry/internal/sinks"
	"github.com/loginsentry/loginsentry/internal/stats"
	"github.com/loginsentry/loginsentry/internal/webhooks"
)

// Options carries the collaborators a Server needs. Nil collaborators
// disable the corresponding feature (tests wire only what they exercise).
type Options struct {
	Password string
	ACL      *acl.ACL

	DBs    []*stats.DB
	Deny   *lists.Store
	Allow  *lists.Store
	Policy *policy.Pool
	Hooks  *webhooks.Runner
	Repl   *replication.Manager
	Sinks  *sinks.Manager

	Counters *monitoring.Counters
	Metrics  *monitoring.Metrics

	NumWorkers int
	QueueSize  int
}

// Server is the HTTP command API.
type Server struct {
	password string
	acl      *acl.ACL

	dbs      []*stats.DB
	dbByName map[string]*stats.DB
	deny     *lists.Store
	allow    *lists.Store
	policy   *policy.Pool
	hooks    *webhooks.Runner
	repl     *replication.Manager
	sinks    *sinks.Manager

	counters *monitoring.Counters
	metrics  *monitoring.Metrics

	pool    *workerPool
	router  *mux.Router
	httpSrv *http.Server

	// ready is false while the instance warms from a sync donor; ping
	// reports "warmup" until the donor's callback arrives.
	ready atomic.Bool

	logger *log.Logger
}

// NewServer builds the API server. It does not listen yet.
func NewServer(opts Options) *Server {
	if opts.Counters == nil {
		opts.Counters = monitoring.NewCounters()
	}
	s := &Server{
		password: opts.Password,
		acl:      opts.ACL,
		dbs:      opts.DBs,
		dbByName: make(map[string]*stats.DB, len(opts.DBs)),
		deny:     opts.Deny,
		allow:    opts.Allow,
		policy:   opts.Policy,
		hooks:    opts.Hooks,
		repl:     opts.Repl,
		sinks:    opts.Sinks,
		counters: opts.Counters,
		metrics:  opts.Metrics,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	for _, db := range opts.DBs {
		s.dbByName[db.Name()] = db
	}
	s.ready.Store(true)
	s.pool = newWorkerPool(opts.NumWorkers, opts.QueueSize, s.counters, s.metrics)

	s.router = mux.NewRouter()
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.PathPrefix("/").HandlerFunc(s.dispatch)
	return s
}

// Handler exposes the router, for tests driving the server with httptest.
func (s *Server) Handler() http.Handler { return s.router }

// QueueDepth reports worker queue occupancy, for the queue gauge.
func (s *Server) QueueDepth() int { return s.pool.QueueDepth() }

// SetReady flips the warmup flag; the warm-sync client clears it at startup.
func (s *Server) SetReady(on bool) { s.ready.Store(on) }

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("💥 FATAL: api server: %v", err)
		}
	}()
	s.logger.Printf("✅ api listening on %s", addr)
	return nil
}

// Stop shuts the listener and the worker pool down.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.pool.stop()
}

// =============================================================================
// Dispatch
// =============================================================================

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if !s.aclAllows(r) {
		if s.metrics != nil {
			s.metrics.ConnFail.Inc()
		}
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `basic realm="wforce"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cmd := r.URL.Query().Get("command")
	if cmd == "" {
		writeFailure(w, http.StatusNotFound, "no command given")
		return
	}
	if r.Method == http.MethodPost {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			writeFailure(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
	}
	if s.metrics != nil {
		s.metrics.Commands.WithLabelValues(cmd).Inc()
	}

	if !s.pool.do(func() { s.handle(cmd, w, r) }) {
		writeFailure(w, http.StatusServiceUnavailable, "worker queue full")
	}
}

func (s *Server) handle(cmd string, w http.ResponseWriter, r *http.Request) {
	type route struct {
		method string
		fn     func(http.ResponseWriter, *http.Request)
	}
	routes := map[string]route{
		"allow":      {http.MethodPost, s.handleAllow},
		"report":     {http.MethodPost, s.handleReport},
		"reset":      {http.MethodPost, s.handleReset},
		"addBLEntry": {http.MethodPost, s.listMutator(s.deny, true)},
		"delBLEntry": {http.MethodPost, s.listMutator(s.deny, false)},
		"addWLEntry": {http.MethodPost, s.listMutator(s.allow, true)},
		"delWLEntry": {http.MethodPost, s.listMutator(s.allow, false)},
		"getBL":      {http.MethodGet, s.listGetter(s.deny, "bl_entries")},
		"getWL":      {http.MethodGet, s.listGetter(s.allow, "wl_entries")},
		"getDBStats": {http.MethodPost, s.handleGetDBStats},
		"stats":      {http.MethodGet, s.handleStats},
		"ping":       {http.MethodGet, s.handlePing},
		"syncDBs":    {http.MethodPost, s.handleSyncDBs},
		"syncDone":   {http.MethodGet, s.handleSyncDone},
	}
	if rt, ok := routes[cmd]; ok {
		if r.Method != rt.method {
			writeFailure(w, http.StatusMethodNotAllowed, fmt.Sprintf("%s requires %s", cmd, rt.method))
			return
		}
		s.counters.Command(cmd)
		rt.fn(w, r)
		return
	}
	if s.policy != nil && s.policy.HasCustomEndpoint(cmd) {
		s.counters.Custom(cmd)
		s.handleCustom(cmd, w, r)
		return
	}
	writeFailure(w, http.StatusNotFound, fmt.Sprintf("unknown command %q", cmd))
}

func (s *Server) aclAllows(r *http.Request) bool {
	if s.acl == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return s.acl.Allowed(addr)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.password == "" {
		return true
	}
	_, pw, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pw), []byte(s.password)) == 1
}

// =============================================================================
// Response helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeFailure(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]string{"status": "failure", "reason": reason})
}
