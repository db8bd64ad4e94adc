// Package sinks implements named report sinks: fire-and-forget UDP
// destinations receiving every login event as a JSON datagram, round-robin
// within a named group.
package sinks

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loginsentry/loginsentry/internal/core"
)

// Group is one named set of sink destinations.
type Group struct {
	Name    string
	conns   []*net.UDPConn
	counter atomic.Uint64
	SendOK  atomic.Uint64
	SendErr atomic.Uint64
}

// Manager owns the sink groups. The group map is copy-on-write: senders
// load a snapshot, configuration swaps in a new one.
type Manager struct {
	mu     sync.Mutex
	groups atomic.Pointer[map[string]*Group]
	logger *log.Logger
}

// NewManager creates an empty sink manager.
func NewManager() *Manager {
	m := &Manager{logger: log.New(log.Writer(), "[SINKS] ", log.LstdFlags)}
	empty := map[string]*Group{}
	m.groups.Store(&empty)
	return m
}

// AddNamedSink adds one destination to a named group, creating the group on
// first use.
func (m *Manager) AddNamedSink(name, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("sink %s: bad address %q: %w", name, addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("sink %s: dial %s: %w", name, addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.groups.Load()
	next := make(map[string]*Group, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	g, ok := next[name]
	if !ok {
		g = &Group{Name: name}
		next[name] = g
	}
	g.conns = append(g.conns, conn)
	m.groups.Store(&next)
	m.logger.Printf("report sink %s += %s", name, addr)
	return nil
}

// Report sends the event to every group, one destination per group chosen
// round-robin. Errors are counted, not returned; sinks are best-effort.
func (m *Manager) Report(ev *core.LoginEvent) {
	groups := *m.groups.Load()
	if len(groups) == 0 {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		m.logger.Printf("⚠️  marshal event for sinks: %v", err)
		return
	}
	for _, g := range groups {
		if len(g.conns) == 0 {
			continue
		}
		conn := g.conns[g.counter.Add(1)%uint64(len(g.conns))]
		if _, err := conn.Write(body); err != nil {
			g.SendErr.Add(1)
		} else {
			g.SendOK.Add(1)
		}
	}
}

// Groups returns the current group snapshot, for stats reporting.
func (m *Manager) Groups() map[string]*Group {
	return *m.groups.Load()
}
