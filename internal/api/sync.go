package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/replication"
)

type syncRequest struct {
	ReplicationHost string `json:"replication_host"`
	ReplicationPort int    `json:"replication_port"`
	CallbackURL     string `json:"callback_url"`
	CallbackAuthPW  string `json:"callback_auth_pw"`
}

// handleSyncDBs is the donor side of a warm sync: push the full stats state
// to the requester's replication endpoint, then GET its callback. The push
// runs in the background; the response only acknowledges the request.
func (s *Server) handleSyncDBs(w http.ResponseWriter, r *http.Request) {
	if s.repl == nil {
		writeFailure(w, http.StatusInternalServerError, "replication not configured")
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("decode syncDBs: %v", err))
		return
	}
	if req.ReplicationHost == "" || req.ReplicationPort == 0 || req.CallbackURL == "" {
		writeFailure(w, http.StatusInternalServerError, "syncDBs needs replication_host, replication_port and callback_url")
		return
	}

	target := net.JoinHostPort(req.ReplicationHost, strconv.Itoa(req.ReplicationPort))
	sources := make([]replication.DumpSource, 0, len(s.dbs))
	for _, db := range s.dbs {
		sources = append(sources, db)
	}
	go func() {
		if _, err := s.repl.PushFullDump(target, sources, []*lists.Store{s.deny, s.allow}); err != nil {
			s.logger.Printf("⚠️  warm sync to %s failed: %v", target, err)
			return
		}
		cb, err := http.NewRequest(http.MethodGet, req.CallbackURL, nil)
		if err != nil {
			s.logger.Printf("⚠️  bad sync callback url %q: %v", req.CallbackURL, err)
			return
		}
		cb.SetBasicAuth("", req.CallbackAuthPW)
		resp, err := syncHTTPClient.Do(cb)
		if err != nil {
			s.logger.Printf("⚠️  sync callback %s failed: %v", req.CallbackURL, err)
			return
		}
		resp.Body.Close()
	}()
	writeOK(w)
}

// handleSyncDone is the warming side's callback target: the donor has
// finished streaming, the instance is ready to serve.
func (s *Server) handleSyncDone(w http.ResponseWriter, r *http.Request) {
	s.ready.Store(true)
	s.logger.Printf("✅ warm sync complete, instance ready")
	writeOK(w)
}

var syncHTTPClient = &http.Client{Timeout: 5 * time.Second}

// =============================================================================
// Warming side
// =============================================================================

// WarmSyncConfig tells WarmSync where to look for a donor and how the donor
// can reach this instance back.
type WarmSyncConfig struct {
	SyncHosts         []string // donor API endpoints, "host:port"
	MinSyncHostUptime int      // seconds a donor must have been up

	ReplicationHost string // where the donor streams dumps to
	ReplicationPort int
	CallbackURL     string // our /?command=syncDone
}

// WarmSync asks the first sufficiently long-running donor to stream its
// state to us. Until the donor's syncDone callback arrives, ping reports
// warmup. With no usable donor the instance starts empty and ready.
func (s *Server) WarmSync(cfg WarmSyncConfig) {
	if len(cfg.SyncHosts) == 0 {
		return
	}
	s.ready.Store(false)
	for _, host := range cfg.SyncHosts {
		uptime, err := s.donorUptime(host)
		if err != nil {
			s.logger.Printf("⚠️  sync host %s unusable: %v", host, err)
			continue
		}
		if uptime <= int64(cfg.MinSyncHostUptime) {
			s.logger.Printf("sync host %s uptime %ds below threshold %ds, skipping", host, uptime, cfg.MinSyncHostUptime)
			continue
		}
		if err := s.requestSync(host, cfg); err != nil {
			s.logger.Printf("⚠️  syncDBs request to %s failed: %v", host, err)
			continue
		}
		s.logger.Printf("🔁 warming from %s (uptime %ds)", host, uptime)
		return
	}
	s.logger.Printf("⚠️  no usable sync host, starting with empty state")
	s.ready.Store(true)
}

func (s *Server) donorUptime(host string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+host+"/?command=stats", nil)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth("", s.password)
	resp, err := syncHTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stats returned %d", resp.StatusCode)
	}
	var body struct {
		UptimeSecs int64 `json:"uptime_secs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode stats: %w", err)
	}
	return body.UptimeSecs, nil
}

func (s *Server) requestSync(host string, cfg WarmSyncConfig) error {
	body, err := json.Marshal(syncRequest{
		ReplicationHost: cfg.ReplicationHost,
		ReplicationPort: cfg.ReplicationPort,
		CallbackURL:     cfg.CallbackURL,
		CallbackAuthPW:  s.password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+host+"/?command=syncDBs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("", s.password)
	resp, err := syncHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("syncDBs returned %d", resp.StatusCode)
	}
	return nil
}
