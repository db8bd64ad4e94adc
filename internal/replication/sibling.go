package replication

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport selects how frames reach a sibling.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportNone
)

// ParseTransport maps the configuration string to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "udp", "":
		return TransportUDP, nil
	case "tcp":
		return TransportTCP, nil
	case "none":
		return TransportNone, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "none"
	}
}

// Sibling is one replication peer. It owns a bounded send queue drained by
// a dedicated goroutine; enqueueing never blocks the request path.
type Sibling struct {
	Address   string
	Transport Transport

	// Codec overrides the manager's shared key for this sibling; nil means
	// use the global key.
	Codec *Codec

	// Self marks a sibling whose endpoint resolves to this process; every
	// send to it is silently dropped so a node never echoes to itself.
	Self bool

	SendOK   atomic.Uint64
	SendFail atomic.Uint64
	RecvOK   atomic.Uint64
	RecvFail atomic.Uint64

	host           string // resolved host part, for source matching
	queue          chan []byte
	connectTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn // persistent stream connection, nil until first send

	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func newSibling(address string, transport Transport, codec *Codec, queueSize int, connectTimeout time.Duration) (*Sibling, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("bad sibling address %q: %w", address, err)
	}
	if queueSize <= 0 {
		queueSize = 5000
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Sibling{
		Address:        address,
		Transport:      transport,
		Codec:          codec,
		host:           host,
		queue:          make(chan []byte, queueSize),
		connectTimeout: connectTimeout,
		logger:         log.New(log.Writer(), "[REPL] ", log.LstdFlags),
		stop:           make(chan struct{}),
	}, nil
}

// QueueFrame enqueues an encrypted frame without blocking. Full queue means
// the frame is dropped and counted as a send failure.
func (s *Sibling) QueueFrame(frame []byte) {
	if s.Self || s.Transport == TransportNone {
		return
	}
	select {
	case s.queue <- frame:
	default:
		s.SendFail.Add(1)
		s.logger.Printf("⚠️  send queue full for sibling %s, dropping frame", s.Address)
	}
}

// QueueDepth reports the current send queue occupancy.
func (s *Sibling) QueueDepth() int { return len(s.queue) }

func (s *Sibling) run() {
	for {
		select {
		case <-s.stop:
			return
		case frame := <-s.queue:
			if err := s.send(frame); err != nil {
				s.SendFail.Add(1)
				s.logger.Printf("⚠️  send to sibling %s failed: %v", s.Address, err)
			} else {
				s.SendOK.Add(1)
			}
		}
	}
}

func (s *Sibling) send(frame []byte) error {
	if s.Transport == TransportUDP {
		return s.sendUDP(frame)
	}
	// Stream: one reconnect and retry per frame.
	if err := s.sendTCP(frame); err != nil {
		s.closeConn()
		return s.sendTCP(frame)
	}
	return nil
}

func (s *Sibling) sendUDP(frame []byte) error {
	conn, err := net.DialTimeout("udp", s.Address, s.connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame)
	return err
}

func (s *Sibling) sendTCP(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.Address, s.connectTimeout)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	if err := writeFrame(s.conn, frame); err != nil {
		s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Sibling) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Sibling) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeConn()
}

// writeFrame writes a uint16 big-endian length followed by the frame; the
// stream framing shared by sibling sends, bulk sync and the control channel.
func writeFrame(conn net.Conn, frame []byte) error {
	if len(frame) > 0xffff {
		return fmt.Errorf("frame too large (%d bytes)", len(frame))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// readFrame is the inverse of writeFrame.
func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
