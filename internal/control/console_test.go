package control

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginsentry/loginsentry/internal/acl"
	"github.com/loginsentry/loginsentry/internal/replication"
)

type echoExecutor struct{ calls int }

func (e *echoExecutor) Execute(cmd string) string {
	e.calls++
	return fmt.Sprintf("echo %d: %s", e.calls, cmd)
}

func newCodec(t *testing.T) *replication.Codec {
	t.Helper()
	key, err := replication.GenerateKey()
	require.NoError(t, err)
	c, err := replication.NewCodec(key)
	require.NoError(t, err)
	return c
}

func TestDeriveNoncesSymmetry(t *testing.T) {
	var a, b [replication.NonceSize]byte
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(100 + i)
	}

	aWrite, aRead := deriveNonces(a, b)
	bWrite, bRead := deriveNonces(b, a)

	// One side's write nonce is the other side's read nonce.
	assert.Equal(t, aWrite, bRead)
	assert.Equal(t, aRead, bWrite)
	assert.NotEqual(t, aWrite, aRead)
}

func TestIncrementNonce(t *testing.T) {
	var n [replication.NonceSize]byte
	incrementNonce(&n)
	assert.Equal(t, byte(1), n[replication.NonceSize-1])

	// Carry across the last byte.
	for i := range n {
		n[i] = 0
	}
	n[replication.NonceSize-1] = 0xff
	incrementNonce(&n)
	assert.Equal(t, byte(0), n[replication.NonceSize-1])
	assert.Equal(t, byte(1), n[replication.NonceSize-2])
}

func TestCommandRoundtrips(t *testing.T) {
	codec := newCodec(t)
	exec := &echoExecutor{}
	srv := NewServer(codec, nil, exec)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client, err := Dial(srv.ln.Addr().String(), codec)
	require.NoError(t, err)
	defer client.Close()

	// Two commands over one session exercise the per-frame nonce advance.
	out, err := client.Command("showStats()")
	require.NoError(t, err)
	assert.Equal(t, "echo 1: showStats()", out)

	out, err = client.Command("setVerbose(true)")
	require.NoError(t, err)
	assert.Equal(t, "echo 2: setVerbose(true)", out)
}

func TestWrongKeyRejected(t *testing.T) {
	srv := NewServer(newCodec(t), nil, &echoExecutor{})
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	client, err := Dial(srv.ln.Addr().String(), newCodec(t))
	require.NoError(t, err)
	defer client.Close()

	// The server cannot decrypt the frame and closes the connection.
	_, err = client.Command("showStats()")
	assert.Error(t, err)
}

func TestACLRejectsConnection(t *testing.T) {
	a := acl.New()
	require.NoError(t, a.Set([]string{"10.0.0.0/8"}))

	codec := newCodec(t)
	exec := &echoExecutor{}
	srv := NewServer(codec, a, exec)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	// Loopback is outside the allowed range; the handshake never completes.
	_, err := Dial(srv.ln.Addr().String(), codec)
	assert.Error(t, err)
	assert.Zero(t, exec.calls)
}
