package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketFor(t *testing.T) {
	assert.Equal(t, 0, BucketFor(500*time.Microsecond))
	assert.Equal(t, 1, BucketFor(5*time.Millisecond))
	assert.Equal(t, 2, BucketFor(50*time.Millisecond))
	assert.Equal(t, 3, BucketFor(500*time.Millisecond))
	assert.Equal(t, 4, BucketFor(5*time.Second))
}

func TestCountersStats(t *testing.T) {
	c := NewCounters()
	c.Reports.Add(3)
	c.Denieds.Add(1)
	c.Command("allow")
	c.Command("allow")
	c.Custom("version")
	c.QueueWait[0].Add(7)

	body := c.Stats()
	assert.Equal(t, uint64(3), body["reports"])
	assert.Equal(t, uint64(1), body["denieds"])
	assert.Contains(t, body, "uptime_secs")
	assert.Contains(t, body, "user_msec")

	commands, ok := body["commands"].(map[string]uint64)
	require.True(t, ok)
	assert.Equal(t, uint64(2), commands["allow"])

	custom, ok := body["custom"].(map[string]uint64)
	require.True(t, ok)
	assert.Equal(t, uint64(1), custom["version"])

	wait, ok := body["queue_wait"].(map[string]uint64)
	require.True(t, ok)
	assert.Equal(t, uint64(7), wait["0-1"])
}
