package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/loginsentry/loginsentry/internal/core"
	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/policy"
	"github.com/loginsentry/loginsentry/internal/stats"
	"github.com/loginsentry/loginsentry/internal/webhooks"
)

// Canonical verdict messages for denylist short-circuits.
const (
	msgDenyIP      = "Temporarily blacklisted IP Address - try again later"
	msgDenyLogin   = "Temporarily blacklisted Login Name - try again later"
	msgDenyIPLogin = "Temporarily blacklisted IP/Login Tuple - try again later"
)

func (s *Server) decodeEvent(r *http.Request) (*core.LoginEvent, netip.Addr, error) {
	var ev core.LoginEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		return nil, netip.Addr{}, fmt.Errorf("decode login event: %w", err)
	}
	ev.Fill(time.Now())
	if s.policy != nil {
		ev.Login = s.policy.Canonicalize(ev.Login)
	}
	addr, err := ev.RemoteAddr()
	if err != nil {
		return nil, netip.Addr{}, err
	}
	return &ev, addr, nil
}

func statusClass(status int) string {
	switch {
	case status < 0:
		return "reject"
	case status > 0:
		return "tarpit"
	default:
		return "allow"
	}
}

// =============================================================================
// allow / report / reset
// =============================================================================

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	ev, addr, err := s.decodeEvent(r)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	verdict := s.verdictFor(ev, addr)
	if verdict == nil && s.policy != nil {
		// No list matched; the policy decides.
		v, err := s.policy.Allow(ev)
		if err != nil {
			s.logger.Printf("⚠️  allow hook failed: %v", err)
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		verdict = &v
	}
	if verdict == nil {
		verdict = &policy.Verdict{Status: 0}
	}
	if verdict.Status < 0 {
		s.counters.Denieds.Add(1)
	} else {
		s.counters.Allows.Add(1)
	}
	if verdict.Status != 0 && verdict.LogMsg != "" {
		s.logger.Printf("🚫 %s login=%s remote=%s: %s", statusClass(verdict.Status), ev.Login, ev.Remote, verdict.LogMsg)
	}
	if s.metrics != nil {
		s.metrics.AllowStatus.WithLabelValues(statusClass(verdict.Status)).Inc()
	}
	if s.hooks != nil {
		s.hooks.EmitAllow(verdict.Status, map[string]interface{}{
			"request":  ev,
			"response": verdict,
		})
	}
	if verdict.Attrs == nil {
		verdict.Attrs = map[string]string{}
	}
	writeJSON(w, http.StatusOK, verdict)
}

// verdictFor applies the list short-circuits: an allowlist hit passes with
// status 0, a denylist hit rejects with the canonical message. Nil means no
// list matched.
func (s *Server) verdictFor(ev *core.LoginEvent, addr netip.Addr) *policy.Verdict {
	if s.allow != nil {
		if s.allow.CheckIP(addr) || s.allow.CheckLogin(ev.Login) || s.allow.CheckIPLogin(addr, ev.Login) {
			return &policy.Verdict{Status: 0, Attrs: map[string]string{}}
		}
	}
	if s.deny != nil {
		switch {
		case s.deny.CheckIP(addr):
			return &policy.Verdict{Status: -1, Msg: msgDenyIP, Attrs: map[string]string{}}
		case s.deny.CheckLogin(ev.Login):
			return &policy.Verdict{Status: -1, Msg: msgDenyLogin, Attrs: map[string]string{}}
		case s.deny.CheckIPLogin(addr, ev.Login):
			return &policy.Verdict{Status: -1, Msg: msgDenyIPLogin, Attrs: map[string]string{}}
		}
	}
	return nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	ev, _, err := s.decodeEvent(r)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.policy != nil {
		if err := s.policy.Report(ev); err != nil {
			s.logger.Printf("⚠️  report hook failed: %v", err)
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.counters.Reports.Add(1)
	if s.sinks != nil {
		s.sinks.Report(ev)
	}
	if s.hooks != nil {
		s.hooks.Emit(webhooks.EventReport, ev)
	}
	writeOK(w)
}

type resetRequest struct {
	IP    string `json:"ip"`
	Login string `json:"login"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("decode reset: %v", err))
		return
	}
	if req.IP == "" && req.Login == "" {
		writeFailure(w, http.StatusInternalServerError, "reset needs ip and/or login")
		return
	}
	var parts []string
	if req.IP != "" {
		if _, err := core.ParseAddr(req.IP); err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		parts = append(parts, "ip")
	}
	if req.Login != "" {
		if s.policy != nil {
			req.Login = s.policy.Canonicalize(req.Login)
		}
		parts = append(parts, "login")
	}

	if s.policy != nil {
		ok, err := s.policy.Reset(strings.Join(parts, ","), req.Login, req.IP)
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeFailure(w, http.StatusInternalServerError, "reset hook returned false")
			return
		}
	}
	if s.hooks != nil {
		s.hooks.Emit(webhooks.EventReset, req)
	}
	writeOK(w)
}

// =============================================================================
// List management
// =============================================================================

type listRequest struct {
	IP         string `json:"ip"`
	Netmask    string `json:"netmask"`
	Login      string `json:"login"`
	ExpireSecs int    `json:"expire_secs"`
	Reason     string `json:"reason"`
}

// listMutator builds the handler for addBLEntry/delBLEntry and the WL pair.
func (s *Server) listMutator(store *lists.Store, add bool) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeFailure(w, http.StatusInternalServerError, "list store not configured")
			return
		}
		var req listRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("decode list entry: %v", err))
			return
		}
		if add && req.ExpireSecs <= 0 {
			writeFailure(w, http.StatusInternalServerError, "expire_secs must be positive")
			return
		}
		if req.Login != "" && s.policy != nil {
			req.Login = s.policy.Canonicalize(req.Login)
		}

		var op string
		switch {
		case req.Netmask != "":
			p, err := netip.ParsePrefix(req.Netmask)
			if err != nil {
				writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("bad netmask: %v", err))
				return
			}
			if add {
				store.AddNetmask(p, req.ExpireSecs, req.Reason, true)
			} else {
				store.DeleteNetmask(p, true)
			}
			op = "ip"
		case req.IP != "" && req.Login != "":
			addr, err := core.ParseAddr(req.IP)
			if err != nil {
				writeFailure(w, http.StatusInternalServerError, err.Error())
				return
			}
			if add {
				store.AddIPLogin(addr, req.Login, req.ExpireSecs, req.Reason, true)
			} else {
				store.DeleteIPLogin(addr, req.Login, true)
			}
			op = "ip_login"
		case req.IP != "":
			addr, err := core.ParseAddr(req.IP)
			if err != nil {
				writeFailure(w, http.StatusInternalServerError, err.Error())
				return
			}
			if add {
				store.AddIP(addr, req.ExpireSecs, req.Reason, true)
			} else {
				store.DeleteIP(addr, true)
			}
			op = "ip"
		case req.Login != "":
			if add {
				store.AddLogin(req.Login, req.ExpireSecs, req.Reason, true)
			} else {
				store.DeleteLogin(req.Login, true)
			}
			op = "login"
		default:
			writeFailure(w, http.StatusInternalServerError, "need ip, netmask and/or login")
			return
		}

		if s.metrics != nil {
			verb := "add"
			if !add {
				verb = "del"
			}
			s.metrics.ListUpdates.WithLabelValues(store.Kind().Prefix()+":"+op, verb).Inc()
		}
		writeOK(w)
	}
}

// listGetter builds the getBL/getWL handler.
func (s *Server) listGetter(store *lists.Store, field string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeFailure(w, http.StatusInternalServerError, "list store not configured")
			return
		}
		var entries []lists.Entry
		for _, space := range []lists.KeySpace{lists.SpaceIP, lists.SpaceLogin, lists.SpaceIPLogin} {
			entries = append(entries, store.Entries(space)...)
		}
		if entries == nil {
			entries = []lists.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{field: entries})
	}
}

// =============================================================================
// Stats inspection
// =============================================================================

type dbStatsRequest struct {
	IP    string `json:"ip"`
	Login string `json:"login"`
}

// handleGetDBStats returns the summed field values for the keys derivable
// from the request (ip, login, ip:login) across every stats DB.
func (s *Server) handleGetDBStats(w http.ResponseWriter, r *http.Request) {
	var req dbStatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("decode getDBStats: %v", err))
		return
	}
	if req.IP == "" && req.Login == "" {
		writeFailure(w, http.StatusInternalServerError, "getDBStats needs ip and/or login")
		return
	}
	var addr netip.Addr
	if req.IP != "" {
		var err error
		addr, err = core.ParseAddr(req.IP)
		if err != nil {
			writeFailure(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.Login != "" && s.policy != nil {
		req.Login = s.policy.Canonicalize(req.Login)
	}

	// Prefix masking of IP keys differs per DB, so the lookup key is derived
	// per DB rather than once.
	out := make(map[string]map[string]map[string]int)
	collect := func(label string, keyFor func(db *stats.DB) string) {
		byDB := make(map[string]map[string]int)
		for _, db := range s.dbs {
			fields := make(map[string]int)
			for _, fv := range db.GetAllFields(keyFor(db)) {
				fields[fv.Name] = fv.Value
			}
			byDB[db.Name()] = fields
		}
		out[label] = byDB
	}
	if req.IP != "" {
		collect("ip", func(db *stats.DB) string { return db.KeyForAddr(addr) })
	}
	if req.Login != "" {
		collect("login", func(*stats.DB) string { return req.Login })
	}
	if req.IP != "" && req.Login != "" {
		collect("ip_login", func(db *stats.DB) string {
			return core.IPLoginKey(db.KeyForAddr(addr), req.Login)
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "stats": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := s.counters.Stats()
	sizes := make(map[string]int, len(s.dbs))
	for _, db := range s.dbs {
		sizes[db.Name()] = db.Size()
	}
	body["db_sizes"] = sizes
	if s.deny != nil {
		body["bl_size"] = s.deny.Size()
	}
	if s.allow != nil {
		body["wl_size"] = s.allow.Size()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "warmup"})
		return
	}
	writeOK(w)
}

// =============================================================================
// Custom endpoints
// =============================================================================

func (s *Server) handleCustom(name string, w http.ResponseWriter, r *http.Request) {
	args := make(map[string]string)
	switch r.Method {
	case http.MethodGet:
		for k, vs := range r.URL.Query() {
			if k == "command" || len(vs) == 0 {
				continue
			}
			args[k] = vs[0]
		}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("decode custom args: %v", err))
			return
		}
	default:
		writeFailure(w, http.StatusMethodNotAllowed, "custom endpoints accept GET or POST")
		return
	}

	out, err := s.policy.Custom(name, args)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain")
		for k, v := range out {
			fmt.Fprintf(w, "%s=%s\n", k, v)
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}
