// Package webhooks delivers engine events to registered HTTP endpoints:
// bounded queue, worker pool, HMAC signing, no retries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventType names the engine events a hook can subscribe to.
type EventType string

const (
	EventReport   EventType = "report"
	EventAllow    EventType = "allow"
	EventReset    EventType = "reset"
	EventAddBL    EventType = "addbl"
	EventDelBL    EventType = "delbl"
	EventExpireBL EventType = "expirebl"
)

// ParseEventType validates a configured event name.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventReport, EventAllow, EventReset, EventAddBL, EventDelBL, EventExpireBL:
		return EventType(s), nil
	default:
		return "", fmt.Errorf("unknown webhook event %q", s)
	}
}

// Hook is one registered webhook. Config must contain "url"; "secret" and
// "allow_filter" are honoured, other keys are carried opaquely.
type Hook struct {
	ID     string             `json:"id"`
	Events map[EventType]bool `json:"-"`
	Config map[string]string  `json:"config"`
	Active bool               `json:"active"`

	Success atomic.Uint64 `json:"-"`
	Failure atomic.Uint64 `json:"-"`
}

// URL returns the delivery target.
func (h *Hook) URL() string { return h.Config["url"] }

// Secret returns the HMAC key, empty when unsigned.
func (h *Hook) Secret() string { return h.Config["secret"] }

// MatchesAllowStatus applies the optional allow_filter config value: a hook
// only sees allow events whose status class ("allow", "reject", "tarpit")
// appears as a substring of the filter. No filter means deliver everything.
func (h *Hook) MatchesAllowStatus(status int) bool {
	filter, ok := h.Config["allow_filter"]
	if !ok || filter == "" {
		return true
	}
	var class string
	switch {
	case status < 0:
		class = "reject"
	case status > 0:
		class = "tarpit"
	default:
		class = "allow"
	}
	return strings.Contains(filter, class)
}

// Registry stores hooks keyed by id, with a per-event index.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Hook
	byEvent map[EventType][]*Hook
	logger  *log.Logger
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Hook),
		byEvent: make(map[EventType][]*Hook),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register adds a hook for the given events. A missing id gets a random one.
func (r *Registry) Register(id string, events []EventType, config map[string]string) (*Hook, error) {
	if config["url"] == "" {
		return nil, fmt.Errorf("webhook config must contain url")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("webhook must subscribe to at least one event")
	}
	if id == "" {
		id = uuid.NewString()
	}

	hook := &Hook{
		ID:     id,
		Events: make(map[EventType]bool, len(events)),
		Config: config,
		Active: true,
	}
	for _, e := range events {
		hook.Events[e] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.hooks[id]; dup {
		return nil, fmt.Errorf("webhook %s already registered", id)
	}
	r.hooks[id] = hook
	for e := range hook.Events {
		r.byEvent[e] = append(r.byEvent[e], hook)
	}
	r.logger.Printf("📡 registered webhook %s → %s (events: %v)", id, hook.URL(), events)
	return hook, nil
}

// Unregister removes a hook by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hook, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)
	for e := range hook.Events {
		filtered := r.byEvent[e][:0]
		for _, h := range r.byEvent[e] {
			if h.ID != id {
				filtered = append(filtered, h)
			}
		}
		r.byEvent[e] = filtered
	}
	return nil
}

// Subscribers returns the active hooks for an event.
func (r *Registry) Subscribers(event EventType) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*Hook
	for _, h := range r.byEvent[event] {
		if h.Active {
			active = append(active, h)
		}
	}
	return active
}

// ListAll returns every registered hook.
func (r *Registry) ListAll() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}

// SignPayload computes the X-Wforce-Signature value: base64 of the
// HMAC-SHA256 of the body under the hook secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeliveryID computes the X-Wforce-Delivery value: base64 of the SHA-256 of
// timestamp, hook id and event.
func DeliveryID(isoTimestamp, id string, event EventType) string {
	sum := sha256.Sum256([]byte(isoTimestamp + id + string(event)))
	return base64.StdEncoding.EncodeToString(sum[:])
}
