// Package control implements the encrypted admin channel: a TCP listener
// speaking length-framed secretbox messages whose command strings run inside
// the policy interpreter pool.
//
// Handshake: each side generates a 24-byte nonce and sends it in the clear.
// Both derive the same nonce pair by merging halves (my first half with the
// peer's second half for writing, the mirror for reading); nonces increment
// per frame per direction. Authentication is implicit in the shared key.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"sync"

	"crypto/rand"

	"github.com/loginsentry/loginsentry/internal/acl"
	"github.com/loginsentry/loginsentry/internal/replication"
)

// Executor runs one command string and returns its printed output; the
// policy pool implements it.
type Executor interface {
	Execute(cmd string) string
}

// Server is the control channel listener.
type Server struct {
	codec *replication.Codec
	acl   *acl.ACL
	exec  Executor

	ln       net.Listener
	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer builds a control server. The ACL may be nil (allow all).
func NewServer(codec *replication.Codec, a *acl.ACL, exec Executor) *Server {
	return &Server{
		codec:  codec,
		acl:    a,
		exec:   exec,
		logger: log.New(log.Writer(), "[CONTROL] ", log.LstdFlags),
		stop:   make(chan struct{}),
	}
}

// Start listens on addr and serves connections until Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	s.ln = ln
	go s.acceptLoop()
	s.logger.Printf("✅ control channel listening on %s", addr)
	return nil
}

// Stop closes the listener.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			s.ln.Close()
		}
	})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.logger.Printf("⚠️  control accept: %v", err)
				continue
			}
		}
		if !s.remoteAllowed(conn) {
			s.logger.Printf("🚫 control connection from %s rejected by ACL", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) remoteAllowed(conn net.Conn) bool {
	if s.acl == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return s.acl.Allowed(addr)
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	var theirs [replication.NonceSize]byte
	if _, err := io.ReadFull(conn, theirs[:]); err != nil {
		s.logger.Printf("⚠️  control handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}
	var mine [replication.NonceSize]byte
	if _, err := rand.Read(mine[:]); err != nil {
		return
	}
	if _, err := conn.Write(mine[:]); err != nil {
		return
	}
	writeNonce, readNonce := deriveNonces(mine, theirs)

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		plain, err := s.codec.OpenWithNonce(frame, &readNonce)
		incrementNonce(&readNonce)
		if err != nil {
			s.logger.Printf("⚠️  undecryptable control frame from %s, closing", conn.RemoteAddr())
			return
		}

		out := s.exec.Execute(string(plain))
		box := s.codec.SealWithNonce([]byte(out), &writeNonce)
		incrementNonce(&writeNonce)
		if err := writeFrame(conn, box); err != nil {
			return
		}
	}
}

// deriveNonces merges the two handshake nonces into the session pair: this
// side writes with its own first half and the peer's second half, and reads
// with the mirror. Both sides compute the same values with the roles
// swapped, so one side's write nonce is the other's read nonce.
func deriveNonces(mine, theirs [replication.NonceSize]byte) (write, read [replication.NonceSize]byte) {
	const half = replication.NonceSize / 2
	copy(write[:half], mine[:half])
	copy(write[half:], theirs[half:])
	copy(read[:half], theirs[:half])
	copy(read[half:], mine[half:])
	return write, read
}

// incrementNonce advances the nonce as a big-endian counter.
func incrementNonce(n *[replication.NonceSize]byte) {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

func writeFrame(conn net.Conn, frame []byte) error {
	if len(frame) > 0xffff {
		return fmt.Errorf("control frame too large (%d bytes)", len(frame))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// =============================================================================
// Client
// =============================================================================

// Client is the dialing side of the control channel, used by the admin CLI
// and by tests.
type Client struct {
	conn       net.Conn
	codec      *replication.Codec
	writeNonce [replication.NonceSize]byte
	readNonce  [replication.NonceSize]byte
}

// Dial connects and performs the nonce handshake.
func Dial(addr string, codec *replication.Codec) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	var mine [replication.NonceSize]byte
	if _, err := rand.Read(mine[:]); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(mine[:]); err != nil {
		conn.Close()
		return nil, err
	}
	var theirs [replication.NonceSize]byte
	if _, err := io.ReadFull(conn, theirs[:]); err != nil {
		conn.Close()
		return nil, err
	}
	c := &Client{conn: conn, codec: codec}
	c.writeNonce, c.readNonce = deriveNonces(mine, theirs)
	return c, nil
}

// Command sends one command and returns the printed output.
func (c *Client) Command(cmd string) (string, error) {
	box := c.codec.SealWithNonce([]byte(cmd), &c.writeNonce)
	incrementNonce(&c.writeNonce)
	if err := writeFrame(c.conn, box); err != nil {
		return "", err
	}
	frame, err := readFrame(c.conn)
	if err != nil {
		return "", err
	}
	plain, err := c.codec.OpenWithNonce(frame, &c.readNonce)
	incrementNonce(&c.readNonce)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Close terminates the session.
func (c *Client) Close() error { return c.conn.Close() }
