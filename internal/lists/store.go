// Package lists implements the expiring deny/allow list store. Each store
// keeps three independent key spaces (IP or netmask, login, IP+login); each
// key space is held in three mutually consistent views under one mutex: a
// hash map by key, a min-heap ordered on expiration for purging, and a
// doubly linked list recording insertion order for enumeration.
package lists

import (
	"container/heap"
	"container/list"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/loginsentry/loginsentry/internal/core"
)

// Kind distinguishes the denylist from the allowlist. Behaviour is
// identical; only messages and the persistence prefix differ.
type Kind int

const (
	Deny Kind = iota
	Allow
)

// Prefix is the persistence key prefix for the store.
func (k Kind) Prefix() string {
	if k == Allow {
		return "wfwl"
	}
	return "wfbl"
}

// KeySpace selects one of the three key spaces.
type KeySpace int

const (
	SpaceIP KeySpace = iota
	SpaceLogin
	SpaceIPLogin
)

func (s KeySpace) String() string {
	switch s {
	case SpaceIP:
		return "ip"
	case SpaceLogin:
		return "login"
	default:
		return "ip_login"
	}
}

// ParseKeySpace is the inverse of KeySpace.String.
func ParseKeySpace(s string) (KeySpace, error) {
	switch s {
	case "ip":
		return SpaceIP, nil
	case "login":
		return SpaceLogin, nil
	case "ip_login":
		return SpaceIPLogin, nil
	default:
		return 0, fmt.Errorf("unknown key space %q", s)
	}
}

// BLType is the wire name of a (kind, space) pair, e.g. "ip_bl".
func BLType(k Kind, s KeySpace) string {
	if k == Allow {
		return s.String() + "_wl"
	}
	return s.String() + "_bl"
}

// Entry is one list entry. Reason is opaque to the store.
type Entry struct {
	Key        string    `json:"key"`
	Reason     string    `json:"reason"`
	Expiration time.Time `json:"expiration"`
	Space      KeySpace  `json:"-"`
	Netmask    bool      `json:"-"` // IP space entry added as a prefix

	heapIdx int
	elem    *list.Element
}

// ExpireSecs returns the remaining lifetime in whole seconds.
func (e *Entry) ExpireSecs(now time.Time) int {
	return int(e.Expiration.Sub(now) / time.Second)
}

// Mutation describes a change the wiring layer fans out to siblings and the
// persistent mirror.
type Mutation struct {
	Add        bool
	Space      KeySpace
	Key        string
	ExpireSecs int
	Reason     string
}

// ChangeEvent feeds the webhook layer.
type ChangeEvent struct {
	Event      string // "addbl", "delbl" or "expirebl"
	Key        string
	BLType     string
	Reason     string
	ExpireSecs int
}

// =============================================================================
// Expiration heap
// =============================================================================

type expHeap []*Entry

func (h expHeap) Len() int            { return len(h) }
func (h expHeap) Less(i, j int) bool  { return h[i].Expiration.Before(h[j].Expiration) }
func (h expHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *expHeap) Push(x interface{}) { e := x.(*Entry); e.heapIdx = len(*h); *h = append(*h, e) }
func (h *expHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type container struct {
	byKey map[string]*Entry
	byExp expHeap
	order *list.List // of *Entry
}

func newContainer() *container {
	return &container{byKey: make(map[string]*Entry), order: list.New()}
}

func (c *container) insert(e *Entry) {
	if old, ok := c.byKey[e.Key]; ok {
		c.remove(old)
	}
	c.byKey[e.Key] = e
	heap.Push(&c.byExp, e)
	e.elem = c.order.PushBack(e)
}

func (c *container) remove(e *Entry) {
	delete(c.byKey, e.Key)
	heap.Remove(&c.byExp, e.heapIdx)
	c.order.Remove(e.elem)
}

// =============================================================================
// Store
// =============================================================================

// Store is a denylist or allowlist.
type Store struct {
	mu     sync.Mutex
	kind   Kind
	spaces [3]*container
	v4Trie *lpmTrie
	v6Trie *lpmTrie

	onChange   func(ChangeEvent) // nil when webhooks are not wired
	replicator func(Mutation)    // nil when replication is not wired

	persist           *Persister
	persistReplicated bool

	logger   *log.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates an empty list store of the given kind.
func NewStore(kind Kind) *Store {
	s := &Store{
		kind:   kind,
		v4Trie: newLPMTrie(),
		v6Trie: newLPMTrie(),
		logger: log.New(log.Writer(), "[LISTS] ", log.LstdFlags),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for i := range s.spaces {
		s.spaces[i] = newContainer()
	}
	return s
}

func (s *Store) Kind() Kind { return s.kind }

// SetChangeHandler installs the webhook emission callback. Invoked outside
// the store lock, and only for non-replicated mutations.
func (s *Store) SetChangeHandler(fn func(ChangeEvent)) { s.onChange = fn }

// SetReplicator installs the sibling fan-out callback. Invoked outside the
// store lock, and only for non-replicated mutations.
func (s *Store) SetReplicator(fn func(Mutation)) { s.replicator = fn }

// SetPersistReplicated controls whether replicated deltas are mirrored to
// the persistent store.
func (s *Store) SetPersistReplicated(on bool) { s.persistReplicated = on }

// =============================================================================
// Adds and deletes
// =============================================================================

// AddIP denylists/allowlists a single address.
func (s *Store) AddIP(addr netip.Addr, seconds int, reason string, replicate bool) {
	s.addKey(SpaceIP, addr.Unmap().String(), seconds, reason, replicate)
}

// AddNetmask adds a prefix entry matched with longest-prefix semantics.
func (s *Store) AddNetmask(p netip.Prefix, seconds int, reason string, replicate bool) {
	s.addKey(SpaceIP, p.Masked().String(), seconds, reason, replicate)
}

// AddLogin adds a login entry. The login must already be canonical.
func (s *Store) AddLogin(login string, seconds int, reason string, replicate bool) {
	s.addKey(SpaceLogin, login, seconds, reason, replicate)
}

// AddIPLogin adds an ip:login tuple entry.
func (s *Store) AddIPLogin(addr netip.Addr, login string, seconds int, reason string, replicate bool) {
	s.addKey(SpaceIPLogin, core.IPLoginKey(addr.Unmap().String(), login), seconds, reason, replicate)
}

// AddKey is the generic insertion path; replication apply uses it directly.
// Adding an existing key replaces its reason and expiration.
func (s *Store) AddKey(space KeySpace, key string, seconds int, reason string, replicate bool) {
	s.addKey(space, key, seconds, reason, replicate)
}

func (s *Store) addKey(space KeySpace, key string, seconds int, reason string, replicate bool) {
	if seconds <= 0 {
		seconds = 1
	}
	now := s.now()
	e := &Entry{
		Key:        key,
		Reason:     reason,
		Expiration: now.Add(time.Duration(seconds) * time.Second),
		Space:      space,
	}

	s.mu.Lock()
	if space == SpaceIP {
		if p, err := netip.ParsePrefix(key); err == nil {
			e.Netmask = true
			s.trieFor(p.Addr()).insert(p, e)
		}
	}
	s.spaces[space].insert(e)
	persist := s.persist
	s.mu.Unlock()

	if persist != nil && (replicate || s.persistReplicated) {
		persist.add(space, key, e.Expiration, reason)
	}
	if replicate {
		if s.replicator != nil {
			s.replicator(Mutation{Add: true, Space: space, Key: key, ExpireSecs: seconds, Reason: reason})
		}
		if s.onChange != nil {
			s.onChange(ChangeEvent{
				Event:      "addbl",
				Key:        key,
				BLType:     BLType(s.kind, space),
				Reason:     reason,
				ExpireSecs: seconds,
			})
		}
	}
}

// DeleteIP removes a single-address entry.
func (s *Store) DeleteIP(addr netip.Addr, replicate bool) bool {
	return s.deleteKey(SpaceIP, addr.Unmap().String(), replicate)
}

// DeleteNetmask removes a prefix entry.
func (s *Store) DeleteNetmask(p netip.Prefix, replicate bool) bool {
	return s.deleteKey(SpaceIP, p.Masked().String(), replicate)
}

// DeleteLogin removes a login entry.
func (s *Store) DeleteLogin(login string, replicate bool) bool {
	return s.deleteKey(SpaceLogin, login, replicate)
}

// DeleteIPLogin removes an ip:login entry.
func (s *Store) DeleteIPLogin(addr netip.Addr, login string, replicate bool) bool {
	return s.deleteKey(SpaceIPLogin, core.IPLoginKey(addr.Unmap().String(), login), replicate)
}

// DeleteKey is the generic deletion path; replication apply uses it directly.
func (s *Store) DeleteKey(space KeySpace, key string, replicate bool) bool {
	return s.deleteKey(space, key, replicate)
}

func (s *Store) deleteKey(space KeySpace, key string, replicate bool) bool {
	s.mu.Lock()
	e, ok := s.spaces[space].byKey[key]
	if ok {
		s.spaces[space].remove(e)
		if e.Netmask {
			if p, err := netip.ParsePrefix(key); err == nil {
				s.trieFor(p.Addr()).remove(p)
			}
		}
	}
	persist := s.persist
	s.mu.Unlock()

	if !ok {
		return false
	}
	if persist != nil && (replicate || s.persistReplicated) {
		persist.del(space, key)
	}
	if replicate {
		if s.replicator != nil {
			s.replicator(Mutation{Add: false, Space: space, Key: key})
		}
		if s.onChange != nil {
			s.onChange(ChangeEvent{Event: "delbl", Key: key, BLType: BLType(s.kind, space)})
		}
	}
	return true
}

func (s *Store) trieFor(addr netip.Addr) *lpmTrie {
	if addr.Is4() {
		return s.v4Trie
	}
	return s.v6Trie
}

// =============================================================================
// Lookups
// =============================================================================

func (s *Store) liveEntry(space KeySpace, key string) *Entry {
	e, ok := s.spaces[space].byKey[key]
	if !ok || !e.Expiration.After(s.now()) {
		return nil
	}
	return e
}

// CheckIP reports whether addr matches an exact entry or a netmask entry.
func (s *Store) CheckIP(addr netip.Addr) bool {
	_, ok := s.GetIP(addr)
	return ok
}

// GetIP returns the matching IP-space entry, exact match first, then
// longest-prefix netmask match.
func (s *Store) GetIP(addr netip.Addr) (Entry, bool) {
	addr = addr.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.liveEntry(SpaceIP, addr.String()); e != nil {
		return *e, true
	}
	if e := s.trieFor(addr).lookup(addr); e != nil && e.Expiration.After(s.now()) {
		return *e, true
	}
	return Entry{}, false
}

// CheckLogin reports whether the canonical login is listed.
func (s *Store) CheckLogin(login string) bool {
	_, ok := s.GetLogin(login)
	return ok
}

// GetLogin returns the login-space entry for login.
func (s *Store) GetLogin(login string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.liveEntry(SpaceLogin, login); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// CheckIPLogin reports whether the ip:login tuple is listed.
func (s *Store) CheckIPLogin(addr netip.Addr, login string) bool {
	_, ok := s.GetIPLogin(addr, login)
	return ok
}

// GetIPLogin returns the tuple-space entry for addr and login.
func (s *Store) GetIPLogin(addr netip.Addr, login string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.liveEntry(SpaceIPLogin, core.IPLoginKey(addr.Unmap().String(), login)); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// GetExpiration returns the remaining seconds for a key, or -1 when absent.
func (s *Store) GetExpiration(space KeySpace, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntry(space, key)
	if e == nil {
		return -1
	}
	return e.ExpireSecs(s.now())
}

// Entries returns the live entries of a key space in insertion order.
func (s *Store) Entries(space KeySpace) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Entry, 0, s.spaces[space].order.Len())
	for el := s.spaces[space].order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Expiration.After(now) {
			out = append(out, *e)
		}
	}
	return out
}

// Size returns the total number of entries across the three key spaces.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.spaces {
		n += len(c.byKey)
	}
	return n
}

// =============================================================================
// Expiry
// =============================================================================

// StartExpireThread launches the purge loop: once a second, entries whose
// expiration has passed are removed in expiration order and an expirebl
// webhook event is emitted for each. The scan stops at the first entry that
// has not expired yet.
func (s *Store) StartExpireThread() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Printf("💥 FATAL: list expiry loop panicked: %v", r)
			}
		}()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.purgeExpired()
			}
		}
	}()
}

func (s *Store) purgeExpired() {
	now := s.now()
	var expired []*Entry

	s.mu.Lock()
	for _, c := range s.spaces {
		for c.byExp.Len() > 0 {
			e := c.byExp[0]
			if e.Expiration.After(now) {
				break
			}
			c.remove(e)
			if e.Netmask {
				if p, err := netip.ParsePrefix(e.Key); err == nil {
					s.trieFor(p.Addr()).remove(p)
				}
			}
			expired = append(expired, e)
		}
	}
	persist := s.persist
	s.mu.Unlock()

	for _, e := range expired {
		s.logger.Printf("expired %s entry %q", BLType(s.kind, e.Space), e.Key)
		if persist != nil {
			persist.del(e.Space, e.Key)
		}
		if s.onChange != nil {
			s.onChange(ChangeEvent{Event: "expirebl", Key: e.Key, BLType: BLType(s.kind, e.Space)})
		}
	}
}

// Stop terminates the expiry loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
