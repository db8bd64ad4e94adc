package policy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginsentry/loginsentry/internal/core"
	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/stats"
)

const thresholdScript = `
function allow(event)
  addDBField("logindb", event.remote, "failures", 1)
  local n = getDBField("logindb", event.remote, "failures")
  if n >= 3 then
    blacklistIP(event.remote, 60, "too many failures")
    return -1, "blocked", "failure threshold reached", { count = tostring(n) }
  end
  return 0, "", "", {}
end

function report(event)
  addDBField("logindb", event.login, "pwhashes", event.pwhash)
end
`

func TestStatsAndListBindings(t *testing.T) {
	db, err := stats.New("logindb", 600, 6, []stats.FieldSpec{
		{Name: "failures", Kind: stats.KindInt},
		{Name: "pwhashes", Kind: stats.KindHLL, HLLBits: 10},
	})
	require.NoError(t, err)
	deny := lists.NewStore(lists.Deny)

	pool, err := NewPool(writeScript(t, thresholdScript), 2, &Bindings{
		StatsDB: func(name string) *stats.DB {
			if name == "logindb" {
				return db
			}
			return nil
		},
		Deny: deny,
	})
	require.NoError(t, err)
	defer pool.Close()

	ev := &core.LoginEvent{Login: "bob", Remote: "192.0.2.7"}
	for i := 0; i < 2; i++ {
		v, err := pool.Allow(ev)
		require.NoError(t, err)
		assert.Equal(t, 0, v.Status)
	}

	v, err := pool.Allow(ev)
	require.NoError(t, err)
	assert.Equal(t, -1, v.Status)
	assert.Equal(t, "3", v.Attrs["count"])
	assert.True(t, deny.CheckIP(netip.MustParseAddr("192.0.2.7")))
	assert.Equal(t, 3, db.Get("192.0.2.7", "failures"))
}

func TestHLLBindingCountsDistinct(t *testing.T) {
	db, err := stats.New("logindb", 600, 6, []stats.FieldSpec{
		{Name: "failures", Kind: stats.KindInt},
		{Name: "pwhashes", Kind: stats.KindHLL, HLLBits: 10},
	})
	require.NoError(t, err)

	pool, err := NewPool(writeScript(t, thresholdScript), 1, &Bindings{
		StatsDB: func(string) *stats.DB { return db },
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Report(&core.LoginEvent{Login: "bob", PwHash: "aaaa"}))
	require.NoError(t, pool.Report(&core.LoginEvent{Login: "bob", PwHash: "bbbb"}))
	require.NoError(t, pool.Report(&core.LoginEvent{Login: "bob", PwHash: "aaaa"}))

	assert.Equal(t, 2, db.Get("bob", "pwhashes"))
}

func TestCheckAndUnlistBindings(t *testing.T) {
	deny := lists.NewStore(lists.Deny)
	allow := lists.NewStore(lists.Allow)
	pool, err := NewPool("", 1, &Bindings{Deny: deny, Allow: allow})
	require.NoError(t, err)
	defer pool.Close()

	pool.Execute(`blacklistLogin("bob", 60, "test")`)
	assert.True(t, deny.CheckLogin("bob"))
	assert.Equal(t, "true\n", pool.Execute(`print(checkBlacklistLogin("bob"))`))

	pool.Execute(`unblacklistLogin("bob")`)
	assert.False(t, deny.CheckLogin("bob"))

	pool.Execute(`whitelistIP("192.0.2.1", 60)`)
	assert.True(t, allow.CheckIP(netip.MustParseAddr("192.0.2.1")))
	assert.Equal(t, "false\n", pool.Execute(`print(checkBlacklistIP("192.0.2.1"))`))
}
