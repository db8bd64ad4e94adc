package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddrUnmapsV4(t *testing.T) {
	a, err := ParseAddr("::ffff:192.0.2.1")
	require.NoError(t, err)
	assert.True(t, a.Is4())
	assert.Equal(t, "192.0.2.1", a.String())

	_, err = ParseAddr("not-an-ip")
	assert.Error(t, err)
}

func TestFillSetsTimeAndDeviceAttrs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ev := LoginEvent{DeviceID: "Thunderbird 102.0", Protocol: "imap"}
	ev.Fill(now)
	assert.InDelta(t, float64(now.Unix()), ev.Time, 0.001)
	assert.Equal(t, "Thunderbird", ev.DeviceAttrs["device.family"])
	assert.Equal(t, "102.0", ev.DeviceAttrs["device.version"])

	// Explicit timestamps and attrs survive Fill.
	withTime := LoginEvent{Time: 1234.5, DeviceAttrs: map[string]string{"device.family": "custom"}}
	withTime.Fill(now)
	assert.Equal(t, 1234.5, withTime.Time)
	assert.Equal(t, "custom", withTime.DeviceAttrs["device.family"])
}

func TestParseDeviceID(t *testing.T) {
	mobile := ParseDeviceID("OXMail/7.10.3 (Android; 13)", "mobileapi")
	assert.Equal(t, "OXMail", mobile["device.family"])
	assert.Equal(t, "7.10.3", mobile["device.version"])
	assert.Equal(t, "Android", mobile["os.family"])

	http := ParseDeviceID("Mozilla/5.0 whatever", "http")
	assert.Equal(t, "Mozilla", http["device.family"])
	assert.Equal(t, "5.0", http["device.version"])

	empty := ParseDeviceID("", "imap")
	assert.Equal(t, "", empty["device.family"])
}

func TestIPLoginKey(t *testing.T) {
	assert.Equal(t, "192.0.2.1:bob", IPLoginKey("192.0.2.1", "bob"))
}
