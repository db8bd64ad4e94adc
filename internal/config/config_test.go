package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loginsentry.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
http:
  listen: 0.0.0.0:8084
  password: super
  acl: ["10.0.0.0/8"]
replication:
  key: c29tZSBiYXNlNjQga2V5IGZvciB0ZXN0aW5nISEh
  bind: 0.0.0.0:4001
  siblings:
    - address: 192.0.2.10:4001
      transport: udp
  sync_hosts: ["192.0.2.10:8084"]
stats_dbs:
  - name: logindb
    window_size: 600
    num_windows: 6
    v4_prefix: 24
    fields:
      - name: failures
        kind: int
      - name: diffPasswords
        kind: hll
        bits: 12
policy:
  script: /etc/loginsentry/policy.lua
webhooks:
  - events: [report]
    config:
      url: http://hooks.example.com/wf
      secret: hush
redis:
  addr: 127.0.0.1:6379
report_sinks:
  - name: siem
    addrs: ["192.0.2.20:5140"]
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8084", cfg.HTTP.Listen)
	assert.Equal(t, "super", cfg.HTTP.Password)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.HTTP.ACL)
	assert.Equal(t, "0.0.0.0:4001", cfg.Replication.Bind)
	require.Len(t, cfg.Replication.Siblings, 1)
	assert.Equal(t, "udp", cfg.Replication.Siblings[0].Transport)
	require.Len(t, cfg.StatsDBs, 1)
	assert.Equal(t, 24, cfg.StatsDBs[0].V4Prefix)
	assert.Equal(t, uint8(12), cfg.StatsDBs[0].Fields[1].Bits)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "hush", cfg.Webhooks[0].Config["secret"])
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Sinks, 1)
	assert.Equal(t, "siem", cfg.Sinks[0].Name)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
stats_dbs:
  - name: logindb
    fields:
      - name: diffPasswords
        kind: hll
      - name: subnets
        kind: countmin
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8084", cfg.HTTP.Listen)
	assert.Equal(t, 10, cfg.HTTP.NumWorkers)
	assert.Equal(t, 5000, cfg.HTTP.QueueSize)
	assert.Equal(t, 2, cfg.Replication.NumThreads)
	assert.Equal(t, 3600, cfg.Replication.MinSyncHostUptime)
	assert.Equal(t, 6, cfg.Policy.NumStates)

	db := cfg.StatsDBs[0]
	assert.Equal(t, 600, db.WindowSize)
	assert.Equal(t, 6, db.NumWindows)
	assert.Equal(t, 524288, db.MaxSize)
	assert.Equal(t, uint8(6), db.Fields[0].Bits)
	assert.Equal(t, 0.05, db.Fields[1].Eps)
	assert.Equal(t, 0.2, db.Fields[1].Gamma)
}

func TestValidateRejectsBadFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
stats_dbs:
  - name: logindb
    fields:
      - name: x
        kind: bloom
`))
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Load(writeConfig(t, `
stats_dbs:
  - name: logindb
    fields:
      - name: x
        kind: hll
        bits: 2
`))
	assert.ErrorContains(t, err, "hll bits")

	_, err = Load(writeConfig(t, `
stats_dbs:
  - fields: []
`))
	assert.ErrorContains(t, err, "empty name")

	_, err = Load(writeConfig(t, `
webhooks:
  - events: [report]
    config:
      secret: hush
`))
	assert.ErrorContains(t, err, "webhook without url")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
