package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/interfaces"
)

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	Keys     *crypto.KeyPair
	Datagram Transport
	Network  StreamNetwork
	Resolver interfaces.IPeerResolver

	// ListenAddr is the stream listener address, e.g. "0.0.0.0:0".
	// Empty disables inbound streams.
	ListenAddr string

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// PeerStatus is the transport view of one peer.
type PeerStatus struct {
	State          State          `json:"state"`
	ConnectionType ConnectionType `json:"connection_type"`
	RTT            time.Duration  `json:"rtt"`
	LastActivity   time.Time      `json:"last_activity"`
}

// peerEntry is the connection state of one peer. Each entry has its own lock
// so traffic to unrelated peers never contends.
type peerEntry struct {
	mu           sync.Mutex
	state        State
	conn         *SecureConn
	dialing      chan struct{}
	lastType     ConnectionType
	lastActivity time.Time
	rtt          time.Duration
}

type pendingProbe struct {
	peerID string
	sent   time.Time
	reply  chan time.Duration
}

// Manager chooses and maintains the best channel per peer: a pooled stream,
// a freshly dialed stream, or the datagram fallback.
type Manager struct {
	cfg    ManagerConfig
	selfID string

	entries sync.Map // peer id -> *peerEntry
	inbound sync.Map // *SecureConn -> struct{}, streams serving reads only

	handlersMu sync.RWMutex
	handlers   map[PacketType]PacketHandler

	probes  sync.Map // seq -> *pendingProbe
	probeID atomic.Uint64

	listener StreamListener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewManager creates a manager, opens the stream listener and starts the
// accept loop and idle reaper.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Keys == nil || cfg.Datagram == nil || cfg.Resolver == nil {
		return nil, errors.New("manager requires keys, datagram transport and resolver")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		selfID:   cfg.Keys.PeerID(),
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Network != nil && cfg.ListenAddr != "" {
		ln, err := cfg.Network.Listen(cfg.ListenAddr)
		if err != nil {
			cancel()
			return nil, &Error{Op: "listen", Err: err}
		}
		m.listener = ln
		m.wg.Add(1)
		go m.acceptLoop()

		logrus.WithFields(logrus.Fields{
			"function": "NewManager",
			"package":  "transport",
			"protocol": cfg.Network.Name(),
			"addr":     ln.Addr().String(),
		}).Info("Stream listener started")
	}

	cfg.Datagram.RegisterHandler(PacketPing, func(p *Packet, addr net.Addr) error {
		return m.handlePing(p, addr, false)
	})
	cfg.Datagram.RegisterHandler(PacketPong, func(p *Packet, addr net.Addr) error {
		return m.handlePong(p)
	})

	m.wg.Add(1)
	go m.reapLoop()

	return m, nil
}

// StreamPort returns the port of the stream listener, or 0 when disabled.
func (m *Manager) StreamPort() int {
	if m.listener == nil {
		return 0
	}
	switch a := m.listener.Addr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

// RegisterHandler registers handler for packets of type pt arriving over
// either the datagram socket or a stream.
func (m *Manager) RegisterHandler(pt PacketType, handler PacketHandler) {
	m.handlersMu.Lock()
	m.handlers[pt] = handler
	m.handlersMu.Unlock()
	m.cfg.Datagram.RegisterHandler(pt, handler)
}

func (m *Manager) entry(peerID string) *peerEntry {
	if e, ok := m.entries.Load(peerID); ok {
		return e.(*peerEntry)
	}
	e, _ := m.entries.LoadOrStore(peerID, &peerEntry{state: StateDiscoveredOnly})
	return e.(*peerEntry)
}

// Send delivers packet to peerID over the best available channel and reports
// the channel actually used. Every call retries channel selection from the
// start, so earlier failures never blacklist a peer.
func (m *Manager) Send(ctx context.Context, peerID string, packet *Packet) (ConnectionType, error) {
	return m.send(ctx, peerID, packet, true)
}

// send implements Send. With dial false no new stream is established: a
// live pooled stream is used if there is one, otherwise the datagram.
func (m *Manager) send(ctx context.Context, peerID string, packet *Packet, dial bool) (ConnectionType, error) {
	if m.closed.Load() {
		return ConnectionNone, &Error{Op: "send", PeerID: peerID, Err: ErrTransportClosed}
	}
	ep, ok := m.cfg.Resolver.ResolvePeer(peerID)
	if !ok {
		return ConnectionNone, &Error{Op: "send", PeerID: peerID, Err: ErrUnknownPeer}
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"package":     "transport",
		"peer_id":     crypto.ShortID(peerID),
		"packet_type": packet.PacketType.String(),
	})
	e := m.entry(peerID)

	probe := !countsAsActivity(packet.PacketType)

	if conn := e.pooled(); conn != nil {
		err := conn.Send(ctx, packet)
		if err == nil {
			if !probe {
				e.record(ConnectionStream)
			}
			return ConnectionStream, nil
		}
		logger.WithError(err).Debug("Pooled stream failed, reselecting channel")
		e.drop(conn)
		conn.Close()
	}

	if dial && m.cfg.Network != nil && ep.StreamAddr() != "" {
		conn, err := m.establish(ctx, e, ep)
		if err == nil {
			if err = conn.Send(ctx, packet); err == nil {
				e.record(ConnectionStream)
				return ConnectionStream, nil
			}
			e.drop(conn)
			conn.Close()
		}
		logger.WithError(err).Warn("Stream unavailable, falling back to datagram")
	}

	if ep.DatagramAddr == nil {
		return ConnectionNone, &Error{Op: "send", PeerID: peerID, Err: errors.New("no datagram address")}
	}
	if err := m.cfg.Datagram.Send(packet, ep.DatagramAddr); err != nil {
		return ConnectionNone, &Error{Op: "send", PeerID: peerID, Err: err}
	}
	if !probe {
		e.record(ConnectionDatagram)
	}
	logger.Debug("Packet sent as datagram")
	return ConnectionDatagram, nil
}

// Upgrade establishes a pooled stream to peerID ahead of the first send.
func (m *Manager) Upgrade(ctx context.Context, peerID string) error {
	ep, ok := m.cfg.Resolver.ResolvePeer(peerID)
	if !ok {
		return &Error{Op: "upgrade", PeerID: peerID, Err: ErrUnknownPeer}
	}
	if m.cfg.Network == nil || ep.StreamAddr() == "" {
		return &Error{Op: "upgrade", PeerID: peerID, Err: errors.New("peer accepts no streams")}
	}
	_, err := m.establish(ctx, m.entry(peerID), ep)
	return err
}

// establish returns the pooled stream of e or dials a new one. Concurrent
// callers for the same peer share a single dial.
func (m *Manager) establish(ctx context.Context, e *peerEntry, ep interfaces.PeerEndpoint) (*SecureConn, error) {
	for {
		e.mu.Lock()
		if e.conn != nil && !e.conn.Closed() {
			conn := e.conn
			e.mu.Unlock()
			return conn, nil
		}
		if e.dialing == nil {
			break
		}
		wait := e.dialing
		e.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &Error{Op: "connect", PeerID: ep.PeerID, Err: ctx.Err()}
		}
	}
	done := make(chan struct{})
	e.dialing = done
	e.state = StateStreamRequested
	e.mu.Unlock()

	conn, err := m.dial(ctx, ep)

	e.mu.Lock()
	e.dialing = nil
	close(done)
	if err != nil {
		if e.conn == nil {
			e.state = StateDiscoveredOnly
		}
		e.mu.Unlock()
		return nil, err
	}
	if e.conn != nil && !e.conn.Closed() {
		// An inbound stream was adopted while dialing; keep ours for reads.
		existing := e.conn
		e.mu.Unlock()
		m.serveExtra(conn)
		return existing, nil
	}
	m.adoptLocked(e, conn)
	e.mu.Unlock()
	return conn, nil
}

func (m *Manager) dial(ctx context.Context, ep interfaces.PeerEndpoint) (*SecureConn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	stream, err := m.cfg.Network.Dial(dctx, ep.StreamAddr())
	if err != nil {
		return nil, m.connectError(dctx, ep.PeerID, err)
	}
	conn, err := ClientHandshake(dctx, stream, m.cfg.Keys, ep.PublicKey)
	if err != nil {
		stream.Close()
		return nil, m.connectError(dctx, ep.PeerID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"package":  "transport",
		"peer_id":  crypto.ShortID(ep.PeerID),
		"addr":     ep.StreamAddr(),
	}).Info("Stream established")
	return conn, nil
}

func (m *Manager) connectError(ctx context.Context, peerID string, err error) error {
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Op: "connect", PeerID: peerID, Err: fmt.Errorf("%w: %v", ErrConnectTimeout, err)}
	}
	return &Error{Op: "connect", PeerID: peerID, Err: err}
}

// adoptLocked pools conn for e and starts its reader. e.mu must be held.
func (m *Manager) adoptLocked(e *peerEntry, conn *SecureConn) {
	e.conn = conn
	e.state = StateStreamEstablished
	e.lastActivity = time.Now()
	m.wg.Add(1)
	go m.serve(conn, e)
}

// serveExtra reads from a stream that is not the pooled one for its peer.
func (m *Manager) serveExtra(conn *SecureConn) {
	m.inbound.Store(conn, struct{}{})
	m.wg.Add(1)
	go m.serve(conn, nil)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		stream, err := m.listener.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"package":  "transport",
				"error":    err.Error(),
			}).Debug("Accept failed")
			continue
		}
		m.wg.Add(1)
		go m.handleInbound(stream)
	}
}

func (m *Manager) handleInbound(stream Stream) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, defaultHandshakeTimeout)
	conn, err := ServerHandshake(ctx, stream, m.cfg.Keys)
	cancel()
	if err != nil {
		stream.Close()
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"package":  "transport",
			"addr":     stream.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		return
	}
	if m.closed.Load() {
		conn.Close()
		return
	}

	e := m.entry(conn.PeerID())
	e.mu.Lock()
	if e.conn == nil || e.conn.Closed() {
		m.adoptLocked(e, conn)
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"package":  "transport",
			"peer_id":  crypto.ShortID(conn.PeerID()),
		}).Info("Inbound stream adopted into pool")
		return
	}
	e.mu.Unlock()
	m.serveExtra(conn)
}

// serve reads packets from conn in order and dispatches them until the
// stream fails. e is nil for streams outside the pool.
func (m *Manager) serve(conn *SecureConn, e *peerEntry) {
	defer m.wg.Done()
	defer func() {
		if e != nil {
			e.drop(conn)
		} else {
			m.inbound.Delete(conn)
		}
		conn.Close()
	}()

	for {
		packet, err := conn.ReadPacket()
		if err != nil {
			return
		}
		if e != nil && countsAsActivity(packet.PacketType) {
			e.touch()
		}
		m.dispatch(packet, conn)
	}
}

func (m *Manager) dispatch(packet *Packet, conn *SecureConn) {
	switch packet.PacketType {
	case PacketPing:
		_ = m.handlePing(packet, conn.RemoteAddr(), true)
		return
	case PacketPong:
		_ = m.handlePong(packet)
		return
	}

	m.handlersMu.RLock()
	handler, ok := m.handlers[packet.PacketType]
	m.handlersMu.RUnlock()
	if !ok {
		return
	}
	if err := handler(packet, conn.RemoteAddr()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"package":     "transport",
			"peer_id":     crypto.ShortID(conn.PeerID()),
			"packet_type": packet.PacketType.String(),
			"error":       err.Error(),
		}).Debug("Stream handler rejected packet")
	}
}

// Probe measures the round-trip time to peerID with a ping. It never dials:
// the ping rides a pooled stream when one is live and the datagram socket
// otherwise, and it does not reset the stream idle timer.
func (m *Manager) Probe(ctx context.Context, peerID string) (time.Duration, error) {
	seq := m.probeID.Add(1)
	p := &pendingProbe{peerID: peerID, sent: time.Now(), reply: make(chan time.Duration, 1)}
	m.probes.Store(seq, p)
	defer m.probes.Delete(seq)

	if _, err := m.send(ctx, peerID, ProbePacket(PacketPing, seq, m.cfg.Keys.Public), false); err != nil {
		return 0, err
	}

	select {
	case rtt := <-p.reply:
		e := m.entry(peerID)
		e.mu.Lock()
		e.rtt = rtt
		e.mu.Unlock()
		return rtt, nil
	case <-ctx.Done():
		return 0, &Error{Op: "probe", PeerID: peerID, Err: ctx.Err()}
	}
}

func (m *Manager) handlePing(packet *Packet, addr net.Addr, viaStream bool) error {
	seq, from, err := ParseProbe(packet)
	if err != nil {
		return err
	}
	peerID := crypto.PeerID(from)
	if peerID == m.selfID {
		return nil
	}
	pong := ProbePacket(PacketPong, seq, m.cfg.Keys.Public)

	if _, ok := m.cfg.Resolver.ResolvePeer(peerID); ok {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		defer cancel()
		_, err := m.send(ctx, peerID, pong, false)
		return err
	}
	if viaStream {
		return fmt.Errorf("%w: cannot answer ping", ErrUnknownPeer)
	}
	return m.cfg.Datagram.Send(pong, addr)
}

func (m *Manager) handlePong(packet *Packet) error {
	seq, from, err := ParseProbe(packet)
	if err != nil {
		return err
	}
	v, ok := m.probes.Load(seq)
	if !ok {
		return nil
	}
	p := v.(*pendingProbe)
	if p.peerID != crypto.PeerID(from) {
		return errors.New("pong from unexpected peer")
	}
	select {
	case p.reply <- time.Since(p.sent):
	default:
	}
	return nil
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	interval := m.cfg.IdleTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ReapIdle(time.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

// ReapIdle closes pooled streams without traffic for longer than the idle
// timeout. Their peers revert to StateDiscoveredOnly.
func (m *Manager) ReapIdle(now time.Time) int {
	reaped := 0
	m.entries.Range(func(key, value any) bool {
		e := value.(*peerEntry)
		e.mu.Lock()
		conn := e.conn
		if conn != nil && now.Sub(conn.LastActivity()) > m.cfg.IdleTimeout {
			e.conn = nil
			e.state = StateDiscoveredOnly
		} else {
			conn = nil
		}
		e.mu.Unlock()

		if conn != nil {
			conn.Close()
			reaped++
			logrus.WithFields(logrus.Fields{
				"function": "ReapIdle",
				"package":  "transport",
				"peer_id":  crypto.ShortID(key.(string)),
			}).Debug("Idle stream closed")
		}
		return true
	})
	return reaped
}

// Status returns the transport status of peerID.
func (m *Manager) Status(peerID string) PeerStatus {
	v, ok := m.entries.Load(peerID)
	if !ok {
		if _, known := m.cfg.Resolver.ResolvePeer(peerID); known {
			return PeerStatus{State: StateDiscoveredOnly}
		}
		return PeerStatus{State: StateUnknown}
	}
	return v.(*peerEntry).status()
}

// Snapshot returns the status of every peer the manager has state for.
func (m *Manager) Snapshot() map[string]PeerStatus {
	out := make(map[string]PeerStatus)
	m.entries.Range(func(key, value any) bool {
		out[key.(string)] = value.(*peerEntry).status()
		return true
	})
	return out
}

// Forget closes and removes all state for peerID, e.g. after eviction.
func (m *Manager) Forget(peerID string) {
	v, ok := m.entries.LoadAndDelete(peerID)
	if !ok {
		return
	}
	e := v.(*peerEntry)
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.state = StateUnknown
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close stops background work, flushes pending stream writes best effort and
// closes every stream.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	if m.listener != nil {
		_ = m.listener.Close()
	}

	m.entries.Range(func(_, value any) bool {
		e := value.(*peerEntry)
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return true
	})
	m.inbound.Range(func(key, _ any) bool {
		key.(*SecureConn).Close()
		return true
	})

	m.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "transport",
	}).Info("Connection manager stopped")
	return nil
}

func (e *peerEntry) pooled() *SecureConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil && e.conn.Closed() {
		e.conn = nil
		e.state = StateDiscoveredOnly
	}
	return e.conn
}

func (e *peerEntry) drop(conn *SecureConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == conn {
		e.conn = nil
		if e.state == StateStreamEstablished {
			e.state = StateDiscoveredOnly
		}
	}
}

func (e *peerEntry) record(ct ConnectionType) {
	e.mu.Lock()
	e.lastType = ct
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *peerEntry) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *peerEntry) status() PeerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	ct := ConnectionNone
	switch {
	case e.conn != nil && !e.conn.Closed():
		ct = ConnectionStream
	case e.lastType == ConnectionDatagram:
		ct = ConnectionDatagram
	}
	return PeerStatus{
		State:          e.state,
		ConnectionType: ct,
		RTT:            e.rtt,
		LastActivity:   e.lastActivity,
	}
}
