package lists

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(kind Kind) (*Store, *time.Time) {
	s := NewStore(kind)
	cur := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return cur }
	return s, &cur
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestAddCheckDelete(t *testing.T) {
	s, _ := newTestStore(Deny)

	s.AddIP(addr("198.51.100.1"), 3600, "abuse", true)
	s.AddLogin("bob", 3600, "cred stuffing", true)
	s.AddIPLogin(addr("198.51.100.2"), "alice", 3600, "pair", true)

	assert.True(t, s.CheckIP(addr("198.51.100.1")))
	assert.False(t, s.CheckIP(addr("198.51.100.9")))
	assert.True(t, s.CheckLogin("bob"))
	assert.True(t, s.CheckIPLogin(addr("198.51.100.2"), "alice"))
	assert.False(t, s.CheckIPLogin(addr("198.51.100.2"), "bob"))
	assert.Equal(t, 3, s.Size())

	e, ok := s.GetIP(addr("198.51.100.1"))
	require.True(t, ok)
	assert.Equal(t, "abuse", e.Reason)

	assert.True(t, s.DeleteIP(addr("198.51.100.1"), true))
	assert.False(t, s.DeleteIP(addr("198.51.100.1"), true))
	assert.False(t, s.CheckIP(addr("198.51.100.1")))
	assert.Equal(t, 2, s.Size())
}

func TestMappedV4Collapses(t *testing.T) {
	s, _ := newTestStore(Deny)
	s.AddIP(addr("::ffff:198.51.100.1"), 60, "", true)
	assert.True(t, s.CheckIP(addr("198.51.100.1")))
}

func TestNetmaskLongestPrefix(t *testing.T) {
	s, _ := newTestStore(Deny)
	s.AddNetmask(netip.MustParsePrefix("10.0.0.0/8"), 3600, "wide", true)
	s.AddNetmask(netip.MustParsePrefix("10.5.0.0/16"), 3600, "narrow", true)

	e, ok := s.GetIP(addr("10.5.6.7"))
	require.True(t, ok)
	assert.Equal(t, "narrow", e.Reason)

	e, ok = s.GetIP(addr("10.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, "wide", e.Reason)

	assert.False(t, s.CheckIP(addr("11.0.0.1")))

	// Dropping the narrow prefix falls back to the wide one.
	require.True(t, s.DeleteNetmask(netip.MustParsePrefix("10.5.0.0/16"), true))
	e, ok = s.GetIP(addr("10.5.6.7"))
	require.True(t, ok)
	assert.Equal(t, "wide", e.Reason)
}

func TestNetmaskV6(t *testing.T) {
	s, _ := newTestStore(Deny)
	s.AddNetmask(netip.MustParsePrefix("2001:db8::/32"), 3600, "docs range", true)
	assert.True(t, s.CheckIP(addr("2001:db8::1234")))
	assert.False(t, s.CheckIP(addr("2001:db9::1")))
}

func TestReplaceOnAdd(t *testing.T) {
	s, cur := newTestStore(Deny)
	s.AddLogin("bob", 60, "first", true)
	s.AddLogin("bob", 600, "second", true)

	e, ok := s.GetLogin("bob")
	require.True(t, ok)
	assert.Equal(t, "second", e.Reason)
	assert.Equal(t, 600, e.ExpireSecs(*cur))
	assert.Len(t, s.Entries(SpaceLogin), 1)
}

func TestGetExpiration(t *testing.T) {
	s, _ := newTestStore(Deny)
	assert.Equal(t, -1, s.GetExpiration(SpaceLogin, "bob"))
	s.AddLogin("bob", 60, "", true)
	assert.Equal(t, 60, s.GetExpiration(SpaceLogin, "bob"))
}

func TestExpiry(t *testing.T) {
	s, cur := newTestStore(Deny)
	var events []ChangeEvent
	s.SetChangeHandler(func(ce ChangeEvent) { events = append(events, ce) })

	s.AddLogin("bob", 2, "x", true)
	assert.True(t, s.CheckLogin("bob"))

	*cur = cur.Add(3 * time.Second)
	assert.False(t, s.CheckLogin("bob"))
	s.purgeExpired()
	assert.Equal(t, 0, s.Size())

	require.Len(t, events, 2)
	assert.Equal(t, "addbl", events[0].Event)
	assert.Equal(t, ChangeEvent{Event: "expirebl", Key: "bob", BLType: "login_bl"}, events[1])
}

func TestReplicatedMutationsAreSilent(t *testing.T) {
	s, _ := newTestStore(Allow)
	var muts []Mutation
	var events []ChangeEvent
	s.SetReplicator(func(m Mutation) { muts = append(muts, m) })
	s.SetChangeHandler(func(ce ChangeEvent) { events = append(events, ce) })

	s.AddLogin("bob", 60, "trusted", true)
	require.Len(t, muts, 1)
	assert.Equal(t, Mutation{Add: true, Space: SpaceLogin, Key: "bob", ExpireSecs: 60, Reason: "trusted"}, muts[0])
	require.Len(t, events, 1)
	assert.Equal(t, "ip_wl", BLType(Allow, SpaceIP))
	assert.Equal(t, "login_wl", events[0].BLType)

	// Applying a sibling's mutation must neither replicate nor emit.
	s.AddKey(SpaceLogin, "alice", 60, "mirror", false)
	s.DeleteKey(SpaceLogin, "alice", false)
	assert.Len(t, muts, 1)
	assert.Len(t, events, 1)
}

func TestEntriesInsertionOrder(t *testing.T) {
	s, _ := newTestStore(Deny)
	s.AddLogin("first", 60, "", true)
	s.AddLogin("second", 60, "", true)
	s.AddLogin("third", 60, "", true)

	keys := []string{}
	for _, e := range s.Entries(SpaceLogin) {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"first", "second", "third"}, keys)
}

func TestBLTypeNames(t *testing.T) {
	assert.Equal(t, "ip_bl", BLType(Deny, SpaceIP))
	assert.Equal(t, "login_bl", BLType(Deny, SpaceLogin))
	assert.Equal(t, "ip_login_bl", BLType(Deny, SpaceIPLogin))
	assert.Equal(t, "ip_login_wl", BLType(Allow, SpaceIPLogin))
}
