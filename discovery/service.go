package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/transport"
)

const (
	// DefaultPort is the well-known discovery port.
	DefaultPort = 60000

	DefaultInterval      = 5 * time.Second
	DefaultStaleAfter    = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// ErrStopped is returned by Announce after the service stopped.
var ErrStopped = errors.New("discovery stopped")

// Error is a bind or send failure on the discovery socket. It is fatal to
// the discovery service.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Listen binds the shared datagram socket on addr. A failure is reported as
// a discovery bind error because presence cannot work without it.
func Listen(addr string) (*transport.UDPTransport, error) {
	udp, err := transport.NewUDPTransport(addr)
	if err != nil {
		return nil, &Error{Op: "bind", Err: err}
	}
	return udp, nil
}

// BroadcastTargets returns the default targets for port: the limited
// broadcast address plus the directed broadcast address of every up IPv4
// interface.
func BroadcastTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	seen := map[string]bool{net.IPv4bcast.String(): true}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			if seen[bcast.String()] {
				continue
			}
			seen[bcast.String()] = true
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}

// ParseTargets resolves "host:port" strings into datagram addresses.
func ParseTargets(targets []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(targets))
	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("discovery target %q: %w", t, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Config configures a Service.
type Config struct {
	Keys      *crypto.KeyPair
	Transport transport.Transport
	Directory *Directory

	// Targets receive every broadcast. Empty means BroadcastTargets(Port).
	Targets []*net.UDPAddr
	Port    int

	// Alias and StreamPort are read at every announcement.
	Alias      func() string
	StreamPort func() int

	Interval      time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration

	TimeProvider crypto.TimeProvider
}

// Service broadcasts presence, ingests the presence of others and evicts
// stale peers.
type Service struct {
	cfg    Config
	selfID string

	mu        sync.RWMutex
	onAdded   func(PeerRecord)
	onUpdated func(PeerRecord)
	onRemoved func(PeerRecord)
	err       error
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService validates cfg and fills in defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Keys == nil || cfg.Transport == nil {
		return nil, errors.New("discovery requires keys and a datagram transport")
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = BroadcastTargets(cfg.Port)
	}
	if cfg.Alias == nil {
		alias := "Anon-" + cfg.Keys.PeerID()[:4]
		cfg.Alias = func() string { return alias }
	}
	if cfg.StreamPort == nil {
		cfg.StreamPort = func() int { return 0 }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = crypto.GetDefaultTimeProvider()
	}
	return &Service{cfg: cfg, selfID: cfg.Keys.PeerID()}, nil
}

// Directory returns the directory the service maintains.
func (s *Service) Directory() *Directory { return s.cfg.Directory }

// OnPeerAdded registers the callback fired when a new peer is discovered.
func (s *Service) OnPeerAdded(fn func(PeerRecord)) {
	s.mu.Lock()
	s.onAdded = fn
	s.mu.Unlock()
}

// OnPeerUpdated registers the callback fired when a peer's alias, address or
// stream port changes.
func (s *Service) OnPeerUpdated(fn func(PeerRecord)) {
	s.mu.Lock()
	s.onUpdated = fn
	s.mu.Unlock()
}

// OnPeerRemoved registers the callback fired when a peer is evicted.
func (s *Service) OnPeerRemoved(fn func(PeerRecord)) {
	s.mu.Lock()
	s.onRemoved = fn
	s.mu.Unlock()
}

// Start registers the presence handler and launches the broadcaster and the
// sweeper. The first announcement is sent before Start returns; if it fails
// on every target the error is returned and the service is stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cfg.Transport.RegisterHandler(transport.PacketPresence, s.handlePresence)

	if err := s.Announce(); err != nil {
		s.fail(err)
		return err
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.sweepLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"package":  "discovery",
		"targets":  len(s.cfg.Targets),
		"interval": s.cfg.Interval.String(),
	}).Info("Discovery started")
	return nil
}

// Stop cancels the background tasks and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"package":  "discovery",
	}).Info("Discovery stopped")
}

// Err returns the fatal error that stopped the service, if any.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Announce broadcasts the current presence record to every target at once.
// Individual target failures are tolerated; failing on all of them is a
// fatal *Error.
func (s *Service) Announce() error {
	s.mu.RLock()
	stopped := s.stopped || s.err != nil
	s.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	rec := NewPresenceRecord(s.cfg.Keys.Public, s.cfg.Alias(), s.cfg.StreamPort())
	packet, err := rec.Packet()
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}

	var lastErr error
	sent := 0
	for _, target := range s.cfg.Targets {
		if err := s.cfg.Transport.Send(packet, target); err != nil {
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"function": "Announce",
				"package":  "discovery",
				"addr":     target.String(),
				"error":    err.Error(),
			}).Debug("Presence broadcast to target failed")
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return &Error{Op: "send", Err: lastErr}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Announce",
		"package":  "discovery",
		"alias":    rec.Alias,
		"sent":     sent,
	}).Debug("Presence announced")
	return nil
}

// Sweep evicts stale peers now and fires the removal callback for each.
func (s *Service) Sweep() []PeerRecord {
	evicted := s.cfg.Directory.SweepStale(s.cfg.TimeProvider.Now(), s.cfg.StaleAfter)
	for _, rec := range evicted {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"package":  "discovery",
			"peer_id":  crypto.ShortID(rec.PeerID),
			"alias":    rec.Alias,
		}).Info("Evicted stale peer")
		s.emit(s.removedCallback(), rec)
	}
	return evicted
}

// HandlePresence ingests one presence datagram received from addr.
func (s *Service) HandlePresence(data []byte, addr *net.UDPAddr) error {
	rec, pub, err := DecodePresence(data)
	if err != nil {
		return err
	}
	if rec.PublicKey == s.selfID {
		return nil
	}

	peer, change := s.cfg.Directory.Upsert(rec, pub, addr, s.cfg.TimeProvider.Now())
	switch change {
	case Added:
		logrus.WithFields(logrus.Fields{
			"function": "HandlePresence",
			"package":  "discovery",
			"peer_id":  crypto.ShortID(peer.PeerID),
			"alias":    peer.Alias,
			"addr":     peer.Address,
		}).Info("Discovered peer")
		s.emit(s.addedCallback(), peer)
	case Updated:
		s.emit(s.updatedCallback(), peer)
	}
	return nil
}

func (s *Service) handlePresence(packet *transport.Packet, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		udpAddr = &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	}
	return s.HandlePresence(packet.Data, udpAddr)
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				if !errors.Is(err, ErrStopped) {
					s.fail(err)
				}
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// fail records a fatal error and cancels the background tasks without
// waiting for them, since it may run on one of them.
func (s *Service) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"package":  "discovery",
		"error":    err.Error(),
	}).Error("Discovery stopped by fatal error")
}

func (s *Service) emit(fn func(PeerRecord), rec PeerRecord) {
	if fn != nil {
		fn(rec)
	}
}

func (s *Service) addedCallback() func(PeerRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onAdded
}

func (s *Service) updatedCallback() func(PeerRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onUpdated
}

func (s *Service) removedCallback() func(PeerRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onRemoved
}
