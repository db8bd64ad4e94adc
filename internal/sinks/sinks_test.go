package sinks

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginsentry/loginsentry/internal/core"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65536)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestReportDeliversJSONEvent(t *testing.T) {
	dest := listenUDP(t)

	m := NewManager()
	require.NoError(t, m.AddNamedSink("siem", dest.LocalAddr().String()))

	m.Report(&core.LoginEvent{Login: "bob", Remote: "192.0.2.1", Success: false})

	var ev core.LoginEvent
	require.NoError(t, json.Unmarshal(readDatagram(t, dest), &ev))
	assert.Equal(t, "bob", ev.Login)
	assert.Equal(t, "192.0.2.1", ev.Remote)

	g := m.Groups()["siem"]
	require.NotNil(t, g)
	assert.Equal(t, uint64(1), g.SendOK.Load())
}

func TestRoundRobinWithinGroup(t *testing.T) {
	a, b := listenUDP(t), listenUDP(t)

	m := NewManager()
	require.NoError(t, m.AddNamedSink("siem", a.LocalAddr().String()))
	require.NoError(t, m.AddNamedSink("siem", b.LocalAddr().String()))

	m.Report(&core.LoginEvent{Login: "one"})
	m.Report(&core.LoginEvent{Login: "two"})

	// One datagram per destination, not two to the same one.
	readDatagram(t, a)
	readDatagram(t, b)
	assert.Equal(t, uint64(2), m.Groups()["siem"].SendOK.Load())
}

func TestEachGroupGetsEveryEvent(t *testing.T) {
	a, b := listenUDP(t), listenUDP(t)

	m := NewManager()
	require.NoError(t, m.AddNamedSink("siem", a.LocalAddr().String()))
	require.NoError(t, m.AddNamedSink("audit", b.LocalAddr().String()))

	m.Report(&core.LoginEvent{Login: "bob"})

	readDatagram(t, a)
	readDatagram(t, b)
}

func TestBadSinkAddressRejected(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.AddNamedSink("siem", "not an address"))
	assert.Empty(t, m.Groups())
}
