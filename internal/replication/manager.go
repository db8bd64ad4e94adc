package replication

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Applier receives decrypted replication messages and applies them to the
// local stores with replication disabled.
type Applier interface {
	Apply(Message)
}

// Manager owns the sibling set, the listeners and the receive pipeline.
//
// The sibling set is a read-mostly copy-on-write snapshot: the request path
// loads an atomic pointer, configuration changes publish a new slice.
type Manager struct {
	codec    *Codec
	siblings atomic.Pointer[[]*Sibling]

	bind       string
	queueSize  int
	numThreads int
	connectTO  time.Duration

	recvQueue chan Message
	applier   Applier

	udpConn net.PacketConn
	tcpLn   net.Listener

	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a replication manager. codec may be nil when the node
// runs without replication; Propagate then drops everything.
func NewManager(codec *Codec, bind string, queueSize, numThreads int) *Manager {
	if queueSize <= 0 {
		queueSize = 5000
	}
	if numThreads <= 0 {
		numThreads = 2
	}
	m := &Manager{
		codec:      codec,
		bind:       bind,
		queueSize:  queueSize,
		numThreads: numThreads,
		connectTO:  5 * time.Second,
		recvQueue:  make(chan Message, queueSize),
		logger:     log.New(log.Writer(), "[REPL] ", log.LstdFlags),
		stop:       make(chan struct{}),
	}
	empty := []*Sibling{}
	m.siblings.Store(&empty)
	return m
}

// SetApplier wires the receive pipeline to the local stores.
func (m *Manager) SetApplier(a Applier) { m.applier = a }

// SetNumSiblingThreads adjusts the receive worker count before Start.
func (m *Manager) SetNumSiblingThreads(n int) {
	if n > 0 {
		m.numThreads = n
	}
}

// SetConnectTimeout adjusts the stream connect timeout for new siblings.
func (m *Manager) SetConnectTimeout(d time.Duration) {
	if d > 0 {
		m.connectTO = d
	}
}

// Siblings returns the current sibling snapshot.
func (m *Manager) Siblings() []*Sibling { return *m.siblings.Load() }

// ReceiveQueueDepth reports the occupancy of the shared receive queue.
func (m *Manager) ReceiveQueueDepth() int { return len(m.recvQueue) }

// SiblingSpec is one configured sibling.
type SiblingSpec struct {
	Address   string
	Transport Transport
	Codec     *Codec // nil means use the global key
}

// SetSiblings replaces the sibling set. Repeated addresses are silently
// de-duplicated (and logged); a sibling resolving to this process's own
// bind endpoint is marked self.
func (m *Manager) SetSiblings(specs []SiblingSpec) error {
	seen := make(map[string]bool, len(specs))
	sibs := make([]*Sibling, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.Address] {
			m.logger.Printf("⚠️  duplicate sibling %s ignored", spec.Address)
			continue
		}
		seen[spec.Address] = true
		sib, err := newSibling(spec.Address, spec.Transport, spec.Codec, m.queueSize, m.connectTO)
		if err != nil {
			return err
		}
		sib.Self = m.isSelf(spec.Address)
		if sib.Self {
			m.logger.Printf("sibling %s resolves to this instance, sends will be dropped", spec.Address)
		}
		sibs = append(sibs, sib)
	}

	old := m.siblings.Swap(&sibs)
	for _, s := range *old {
		s.shutdown()
	}
	for _, s := range sibs {
		go s.run()
	}
	return nil
}

// isSelf reports whether address resolves to this process's replication
// endpoint: same port as our bind and a local interface (or loopback) host.
func (m *Manager) isSelf(address string) bool {
	if m.bind == "" {
		return false
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	_, bindPort, err := net.SplitHostPort(m.bind)
	if err != nil || port != bindPort {
		return false
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return false
	}
	local := localAddrs()
	for _, ip := range ips {
		if local[ip] {
			return true
		}
	}
	return false
}

func localAddrs() map[string]bool {
	out := map[string]bool{"127.0.0.1": true, "::1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out
}

// =============================================================================
// Send path
// =============================================================================

// Propagate seals msg once with the global key and queues it to every
// sibling; siblings with a key override get their own frame.
func (m *Manager) Propagate(msg Message) {
	if m.codec == nil {
		return
	}
	plain, err := msg.Encode()
	if err != nil {
		m.logger.Printf("⚠️  encode replication message: %v", err)
		return
	}
	var globalFrame []byte
	for _, sib := range m.Siblings() {
		if sib.Self || sib.Transport == TransportNone {
			continue
		}
		if sib.Codec != nil {
			frame, err := sib.Codec.Seal(plain)
			if err != nil {
				m.logger.Printf("⚠️  seal for sibling %s: %v", sib.Address, err)
				continue
			}
			sib.QueueFrame(frame)
			continue
		}
		if globalFrame == nil {
			globalFrame, err = m.codec.Seal(plain)
			if err != nil {
				m.logger.Printf("⚠️  seal replication frame: %v", err)
				return
			}
		}
		sib.QueueFrame(globalFrame)
	}
}

// =============================================================================
// Receive path
// =============================================================================

// Start opens the UDP and TCP listeners on the bind address and launches the
// receive workers.
func (m *Manager) Start() error {
	if m.bind == "" {
		return fmt.Errorf("replication bind address not set")
	}
	udp, err := net.ListenPacket("udp", m.bind)
	if err != nil {
		return fmt.Errorf("replication udp listen %s: %w", m.bind, err)
	}
	tcp, err := net.Listen("tcp", m.bind)
	if err != nil {
		udp.Close()
		return fmt.Errorf("replication tcp listen %s: %w", m.bind, err)
	}
	m.udpConn = udp
	m.tcpLn = tcp

	for i := 0; i < m.numThreads; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.runUDP()
	go m.runTCP()
	m.logger.Printf("🔁 replication listening on %s (udp+tcp), %d workers", m.bind, m.numThreads)
	return nil
}

// siblingForSource matches a remote address against the sibling set by host
// only; the source port of an outbound connection is ephemeral.
func (m *Manager) siblingForSource(remote net.Addr) *Sibling {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return nil
	}
	for _, sib := range m.Siblings() {
		if sib.host == host {
			return sib
		}
		// Configured host may be a name; compare resolved addresses.
		if ips, err := net.LookupHost(sib.host); err == nil {
			for _, ip := range ips {
				if ip == host {
					return sib
				}
			}
		}
	}
	return nil
}

func (m *Manager) runUDP() {
	buf := make([]byte, 65535)
	for {
		n, remote, err := m.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.logger.Printf("⚠️  udp read: %v", err)
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		m.ingest(frame, remote)
	}
}

func (m *Manager) runTCP() {
	for {
		conn, err := m.tcpLn.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.logger.Printf("⚠️  tcp accept: %v", err)
				continue
			}
		}
		if m.siblingForSource(conn.RemoteAddr()) == nil {
			m.logger.Printf("🚫 replication connection from non-sibling %s rejected", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go m.serveStream(conn)
	}
}

func (m *Manager) serveStream(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		m.ingest(frame, conn.RemoteAddr())
	}
}

// ingest verifies the source, decrypts, decodes and enqueues one frame.
func (m *Manager) ingest(frame []byte, remote net.Addr) {
	sib := m.siblingForSource(remote)
	if sib == nil {
		m.logger.Printf("🚫 replication frame from non-sibling %s rejected", remote)
		return
	}
	codec := m.codec
	if sib.Codec != nil {
		codec = sib.Codec
	}
	plain, err := codec.Open(frame)
	if err != nil {
		sib.RecvFail.Add(1)
		m.logger.Printf("⚠️  frame from %s dropped: %v", remote, err)
		return
	}
	msg, err := Decode(plain)
	if err != nil {
		sib.RecvFail.Add(1)
		m.logger.Printf("⚠️  frame from %s dropped: %v", remote, err)
		return
	}
	select {
	case m.recvQueue <- msg:
		sib.RecvOK.Add(1)
	default:
		sib.RecvFail.Add(1)
		m.logger.Printf("⚠️  receive queue full, dropping frame from %s", remote)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case msg := <-m.recvQueue:
			if m.applier != nil {
				m.applier.Apply(msg)
			}
		}
	}
}

// Stop closes the listeners and terminates the workers and senders.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.udpConn != nil {
			m.udpConn.Close()
		}
		if m.tcpLn != nil {
			m.tcpLn.Close()
		}
		for _, s := range m.Siblings() {
			s.shutdown()
		}
	})
	m.wg.Wait()
}
