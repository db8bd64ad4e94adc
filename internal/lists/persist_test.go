package lists

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := NewPersister(mr.Addr(), "", 0, Deny)
	require.NoError(t, err)
	defer p.Close()

	s, _ := newTestStore(Deny)
	s.MakePersistent(p)

	s.AddIP(addr("198.51.100.1"), 60, "abuse", true)
	s.AddIPLogin(addr("198.51.100.1"), "bob", 60, "pair", true)

	val, err := mr.Get("wfbl:ip:198.51.100.1")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(val, ":abuse"))
	assert.Positive(t, mr.TTL("wfbl:ip:198.51.100.1"))

	// Tuple keys keep their inner colons intact.
	_, err = mr.Get("wfbl:ip_login:198.51.100.1:bob")
	require.NoError(t, err)

	s.DeleteIP(addr("198.51.100.1"), true)
	assert.False(t, mr.Exists("wfbl:ip:198.51.100.1"))
}

func TestPersistReplicatedToggle(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := NewPersister(mr.Addr(), "", 0, Deny)
	require.NoError(t, err)
	defer p.Close()

	s, _ := newTestStore(Deny)
	s.MakePersistent(p)

	// Replicated deltas are not mirrored by default.
	s.AddKey(SpaceLogin, "alice", 60, "mirror", false)
	assert.False(t, mr.Exists("wfbl:login:alice"))

	s.SetPersistReplicated(true)
	s.AddKey(SpaceLogin, "carol", 60, "mirror", false)
	assert.True(t, mr.Exists("wfbl:login:carol"))
}

func TestLoadPersistEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := NewPersister(mr.Addr(), "", 0, Deny)
	require.NoError(t, err)
	defer p.Close()

	donor := NewStore(Deny)
	donor.MakePersistent(p)
	donor.AddIP(addr("198.51.100.7"), 600, "abuse", true)
	donor.AddLogin("bob", 600, "stuffing", true)
	donor.AddIPLogin(addr("198.51.100.7"), "bob", 600, "pair", true)

	p2, err := NewPersister(mr.Addr(), "", 0, Deny)
	require.NoError(t, err)
	defer p2.Close()

	fresh := NewStore(Deny)
	fresh.MakePersistent(p2)
	var muts []Mutation
	fresh.SetReplicator(func(m Mutation) { muts = append(muts, m) })

	n, err := fresh.LoadPersistEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, fresh.CheckIP(addr("198.51.100.7")))
	assert.True(t, fresh.CheckLogin("bob"))

	e, ok := fresh.GetIPLogin(addr("198.51.100.7"), "bob")
	require.True(t, ok)
	assert.Equal(t, "pair", e.Reason)

	// Restored entries must not fan back out to siblings.
	assert.Empty(t, muts)
}

func TestLoadWithoutPersister(t *testing.T) {
	s := NewStore(Deny)
	_, err := s.LoadPersistEntries(context.Background())
	assert.Error(t, err)
}
