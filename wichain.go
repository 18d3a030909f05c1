package wichain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/group"
	"github.com/opd-ai/wichain/identity"
	"github.com/opd-ai/wichain/ledger"
	"github.com/opd-ai/wichain/messaging"
	"github.com/opd-ai/wichain/transport"
	"github.com/opd-ai/wichain/trust"
)

const ledgerFile = "ledger.jsonl"

var (
	// ErrNotStarted is returned by network operations before Start.
	ErrNotStarted = errors.New("node not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node closed")
)

// Delivery is the outcome of sending one envelope to one recipient.
type Delivery struct {
	PeerID         string                   `json:"peer_id"`
	ConnectionType transport.ConnectionType `json:"connection_type"`
	Err            error                    `json:"-"`
}

// SendReport describes one sent message. The message is always logged
// locally; delivery failures affect only the recipients they name.
type SendReport struct {
	MessageID  string     `json:"message_id"`
	BlockIndex uint64     `json:"block_index"`
	GroupID    string     `json:"group_id,omitempty"`
	Deliveries []Delivery `json:"deliveries"`
}

// Delivered returns the number of recipients the message was handed to.
func (r *SendReport) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

// Err returns the first delivery failure.
func (r *SendReport) Err() error {
	for _, d := range r.Deliveries {
		if d.Err != nil {
			return d.Err
		}
	}
	return nil
}

// Node is a wichain chat node: identity, discovery, transport, ledger, trust
// and groups wired together behind the operations used by a user interface.
type Node struct {
	options *Options
	tp      crypto.TimeProvider

	identity  *identity.Manager
	keys      *crypto.KeyPair
	engine    *crypto.Engine
	directory *discovery.Directory
	ledger    *ledger.Ledger
	appender  *ledger.Appender
	trust     *trust.Scorer
	groups    *group.Registry
	history   *messaging.History
	cache     *peerCache
	notify    *notifier

	// Network components, created by Start.
	netMu     sync.RWMutex
	udp       *transport.UDPTransport
	conns     *transport.Manager
	discovery *discovery.Service

	resetMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stateMu sync.Mutex
	started bool
	closed  bool
}

// New loads local state from options.DataDir: identity, ledger, history and
// the peer cache. A ledger that fails validation does not prevent New from
// succeeding; the node then refuses ledger writes and history reads until
// ResetLocalData. The network is not touched until Start.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	id, err := identity.Load(options.DataDir, identity.Options{
		DefaultAlias: options.DefaultAlias,
		Passphrase:   options.IdentityPassphrase,
	})
	if err != nil {
		return nil, err
	}

	tp := options.timeProvider()
	keys := id.KeyPair()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		options:   options,
		tp:        tp,
		identity:  id,
		keys:      keys,
		engine:    crypto.NewEngineWithTimeProvider(keys, tp),
		directory: discovery.NewDirectory(),
		trust:     trust.NewScorer(tp),
		groups:    group.NewRegistry(keys.PeerID(), tp),
		history:   messaging.NewHistory(),
		cache:     loadPeerCache(filepath.Join(options.DataDir, peerCacheFile)),
		notify:    newNotifier(options.observer()),
		ctx:       ctx,
		cancel:    cancel,
	}

	l, err := ledger.Open(filepath.Join(options.DataDir, ledgerFile), ledger.Options{TimeProvider: tp})
	if l == nil {
		n.notify.close()
		cancel()
		_ = id.Close()
		return nil, err
	}
	n.ledger = l
	n.appender = ledger.NewAppender(l, options.BatchWindow, options.MaxBatch)
	if err == nil {
		n.rebuildHistory()
	}

	for _, p := range n.cache.all() {
		n.trust.Seed(p.PeerID, p.TrustScore)
	}

	id.OnAliasChanged(n.aliasChanged)

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"package":     "wichain",
		"peer_id":     crypto.ShortID(keys.PeerID()),
		"alias":       id.Identity().Alias,
		"regenerated": id.Regenerated(),
		"blocks":      l.Len(),
	}).Info("Node created")
	return n, nil
}

// Start binds the discovery socket and the stream listener and launches the
// background tasks. A bind failure is returned as a *discovery.Error.
func (n *Node) Start(ctx context.Context) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil
	}

	opts := n.options
	udp, err := discovery.Listen(net.JoinHostPort(opts.BindAddress, strconv.Itoa(opts.DiscoveryPort)))
	if err != nil {
		return err
	}

	network, err := n.streamNetwork()
	if err != nil {
		_ = udp.Close()
		return err
	}
	conns, err := transport.NewManager(transport.ManagerConfig{
		Keys:           n.keys,
		Datagram:       udp,
		Network:        network,
		Resolver:       n.directory,
		ListenAddr:     net.JoinHostPort(opts.BindAddress, strconv.Itoa(opts.StreamPort)),
		ConnectTimeout: opts.ConnectTimeout,
		IdleTimeout:    opts.IdleTimeout,
	})
	if err != nil {
		_ = udp.Close()
		return err
	}
	conns.RegisterHandler(transport.PacketDirectBlock, n.handleEnvelope)
	conns.RegisterHandler(transport.PacketGroupBlock, n.handleEnvelope)

	targets, err := discovery.ParseTargets(opts.DiscoveryTargets)
	if err != nil {
		_ = conns.Close()
		_ = udp.Close()
		return err
	}
	port := opts.DiscoveryPort
	if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok && port == 0 {
		port = addr.Port
	}
	svc, err := discovery.NewService(discovery.Config{
		Keys:          n.keys,
		Transport:     udp,
		Directory:     n.directory,
		Targets:       targets,
		Port:          port,
		Alias:         func() string { return n.identity.Identity().Alias },
		StreamPort:    conns.StreamPort,
		Interval:      opts.BroadcastInterval,
		StaleAfter:    opts.StaleAfter,
		SweepInterval: opts.SweepInterval,
		TimeProvider:  n.tp,
	})
	if err != nil {
		_ = conns.Close()
		_ = udp.Close()
		return err
	}
	svc.OnPeerAdded(n.peerAdded)
	svc.OnPeerUpdated(n.peerUpdated)
	svc.OnPeerRemoved(n.peerRemoved)

	n.netMu.Lock()
	n.udp, n.conns, n.discovery = udp, conns, svc
	n.netMu.Unlock()

	if err := svc.Start(ctx); err != nil {
		n.netMu.Lock()
		n.udp, n.conns, n.discovery = nil, nil, nil
		n.netMu.Unlock()
		_ = conns.Close()
		_ = udp.Close()
		return err
	}

	n.wg.Add(2)
	go n.probeLoop()
	go n.decayLoop()
	n.started = true

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"package":         "wichain",
		"discovery_addr":  udp.LocalAddr().String(),
		"stream_protocol": network.Name(),
		"stream_port":     conns.StreamPort(),
	}).Info("Node started")
	return nil
}

func (n *Node) streamNetwork() (transport.StreamNetwork, error) {
	if n.options.StreamProtocol == StreamProtocolQUIC {
		return transport.NewQUICNetwork(n.keys, n.options.IdleTimeout)
	}
	return transport.NewTCPNetwork(), nil
}

func (n *Node) network() (*transport.Manager, *discovery.Service, error) {
	n.netMu.RLock()
	defer n.netMu.RUnlock()
	if n.conns == nil {
		return nil, nil, ErrNotStarted
	}
	return n.conns, n.discovery, nil
}

// Close stops every background task, closes sockets after a best effort
// flush, commits pending ledger writes and saves the peer cache.
func (n *Node) Close() error {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return nil
	}
	n.closed = true
	n.stateMu.Unlock()

	n.cancel()
	n.wg.Wait()

	n.netMu.Lock()
	svc, conns, udp := n.discovery, n.conns, n.udp
	n.netMu.Unlock()
	if svc != nil {
		svc.Stop()
	}
	if conns != nil {
		_ = conns.Close()
	}
	if udp != nil {
		_ = udp.Close()
	}

	n.appender.Close()
	var errs []error
	if err := n.cache.save(n.trust.Snapshot()); err != nil {
		errs = append(errs, err)
	}
	if err := n.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	n.engine.Close()
	if err := n.identity.Close(); err != nil {
		errs = append(errs, err)
	}
	n.notify.close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "wichain",
	}).Info("Node closed")
	return errors.Join(errs...)
}

// GetIdentity returns the local alias and public key.
func (n *Node) GetIdentity() identity.Info {
	return n.identity.Identity()
}

// SetAlias changes and persists the local alias. The next presence
// broadcast goes out immediately.
func (n *Node) SetAlias(alias string) error {
	return n.identity.SetAlias(alias)
}

func (n *Node) aliasChanged(info identity.Info) {
	if _, svc, err := n.network(); err == nil {
		if err := svc.Announce(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "aliasChanged",
				"package":  "wichain",
				"error":    err.Error(),
			}).Warn("Failed to announce new alias")
		}
	}
	n.notify.emit("identity", func(o Observer) { o.IdentityUpdate(info) })
}

// GetPeers returns the live peers with their trust score and last used
// connection type.
func (n *Node) GetPeers() []discovery.PeerRecord {
	peers := n.directory.Snapshot()
	conns, _, _ := n.network()
	for i := range peers {
		if score, ok := n.trust.Get(peers[i].PeerID); ok {
			peers[i].TrustScore = score
		} else {
			peers[i].TrustScore = trust.DefaultScore
		}
		if conns != nil {
			peers[i].ConnectionType = conns.Status(peers[i].PeerID).ConnectionType
		}
	}
	return peers
}

// TrustScores returns every tracked score, including peers that are not
// currently online.
func (n *Node) TrustScores() []trust.Snapshot {
	return n.trust.Snapshot()
}

// GetChatHistory returns every direct and group message, oldest first.
// It fails while the ledger is blocked by an integrity failure.
func (n *Node) GetChatHistory() ([]messaging.ChatMessage, error) {
	if err := n.ledger.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrBlocked, err)
	}
	return n.history.All(), nil
}

// AddPeerMessage seals text and an optional attachment for peerID, logs the
// envelope in the ledger and sends it. The peer must be in the directory.
func (n *Node) AddPeerMessage(ctx context.Context, text, peerID string, attachment *messaging.Attachment) (*SendReport, error) {
	conns, _, err := n.network()
	if err != nil {
		return nil, err
	}
	rec, ok := n.directory.Lookup(peerID)
	if !ok {
		return nil, &transport.Error{Op: "send", PeerID: peerID, Err: transport.ErrUnknownPeer}
	}
	contents, err := messaging.Compose(text, attachment)
	if err != nil {
		return nil, err
	}
	payload := messaging.NewPayload(n.tp.Now(), contents...)
	data, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	env, err := n.engine.Seal(rec.PublicKey, data)
	if err != nil {
		return nil, err
	}

	index, err := n.appender.Submit(ctx, *env)
	if err != nil {
		return nil, fmt.Errorf("log outgoing message: %w", err)
	}
	n.addHistory(env, payload, index, rec.PeerID, "", true)

	packet, err := transport.NewEnvelopePacket(transport.PacketDirectBlock, rec.PeerID, env)
	if err != nil {
		return nil, err
	}
	ct, sendErr := conns.Send(ctx, rec.PeerID, packet)

	logrus.WithFields(logrus.Fields{
		"function":        "AddPeerMessage",
		"package":         "wichain",
		"peer_id":         crypto.ShortID(rec.PeerID),
		"block_index":     index,
		"connection_type": ct.String(),
	}).Debug("Direct message sent")

	return &SendReport{
		MessageID:  payload.ID,
		BlockIndex: index,
		Deliveries: []Delivery{{PeerID: rec.PeerID, ConnectionType: ct, Err: sendErr}},
	}, nil
}

// AddGroupMessage sends one message to every other member of the group,
// each through its own pairwise envelope. All envelopes share one block.
func (n *Node) AddGroupMessage(ctx context.Context, text, groupID string, attachment *messaging.Attachment) (*SendReport, error) {
	conns, _, err := n.network()
	if err != nil {
		return nil, err
	}
	g, ok := n.groups.Get(groupID)
	if !ok {
		return nil, group.ErrUnknownGroup
	}
	contents, err := messaging.Compose(text, attachment)
	if err != nil {
		return nil, err
	}
	payload := messaging.NewPayload(n.tp.Now(), contents...)
	payload.Group = &messaging.GroupRef{ID: g.ID, Members: g.Members}
	data, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	self := n.keys.PeerID()
	members := g.Others(self)
	envs := make([]crypto.SignedEnvelope, 0, len(members))
	packets := make(map[string]*transport.Packet, len(members))
	for _, m := range members {
		pub, err := crypto.ParsePeerID(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", group.ErrInvalidMember, err)
		}
		env, err := n.engine.Seal(pub, data)
		if err != nil {
			return nil, err
		}
		p, err := transport.NewEnvelopePacket(transport.PacketGroupBlock, g.ID, env)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
		packets[m] = p
	}

	index, err := n.appender.Submit(ctx, envs...)
	if err != nil {
		return nil, fmt.Errorf("log outgoing group message: %w", err)
	}
	if len(envs) > 0 {
		n.addHistory(&envs[0], payload, index, "", g.ID, true)
	}

	results := group.FanOut(ctx, conns, self, g, func(member string) (*transport.Packet, error) {
		return packets[member], nil
	})
	report := &SendReport{MessageID: payload.ID, BlockIndex: index, GroupID: g.ID}
	for _, r := range results {
		report.Deliveries = append(report.Deliveries, Delivery{PeerID: r.PeerID, ConnectionType: r.ConnectionType, Err: r.Err})
	}

	logrus.WithFields(logrus.Fields{
		"function":    "AddGroupMessage",
		"package":     "wichain",
		"group_id":    crypto.ShortID(g.ID),
		"block_index": index,
		"recipients":  len(members),
		"delivered":   report.Delivered(),
	}).Debug("Group message sent")
	return report, nil
}

// CreateGroup registers the group made of memberIDs and the local node.
// The id depends only on the member set.
func (n *Node) CreateGroup(memberIDs []string) (group.Group, error) {
	g, created, err := n.groups.Create(memberIDs)
	if err != nil {
		return group.Group{}, err
	}
	if created {
		n.emitGroups()
	}
	return g, nil
}

// ListGroups returns the groups known in this session.
func (n *Node) ListGroups() []group.Group {
	return n.groups.List()
}

// ResetLocalData discards the ledger, chat history, groups, trust scores and
// the peer cache. The identity is kept. It also clears an integrity failure.
func (n *Node) ResetLocalData() error {
	n.resetMu.Lock()
	defer n.resetMu.Unlock()

	if err := n.ledger.Reset(); err != nil {
		return err
	}
	n.history.Reset()
	n.groups.Reset()
	n.trust.Reset()
	for _, p := range n.directory.Snapshot() {
		n.trust.Observe(p.PeerID)
	}
	if err := n.cache.clear(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ResetLocalData",
		"package":  "wichain",
	}).Warn("Local data reset")
	n.emitPeers()
	n.emitGroups()
	return nil
}

// Upgrade establishes a stream connection to peerID ahead of the first send.
func (n *Node) Upgrade(ctx context.Context, peerID string) error {
	conns, _, err := n.network()
	if err != nil {
		return err
	}
	return conns.Upgrade(ctx, peerID)
}

// LedgerSummary returns a compact view of the chain.
func (n *Node) LedgerSummary() ledger.ChainSummary {
	return ledger.Summarize(n.ledger)
}

// DiscoveryErr returns the fatal discovery error, if any.
func (n *Node) DiscoveryErr() error {
	_, svc, err := n.network()
	if err != nil {
		return nil
	}
	return svc.Err()
}

// LedgerErr returns the integrity failure blocking the ledger, if any.
func (n *Node) LedgerErr() error {
	return n.ledger.Err()
}

func (n *Node) emitPeers() {
	n.notify.emit("peers", func(o Observer) { o.PeerUpdate(n.GetPeers()) })
}

func (n *Node) emitGroups() {
	n.notify.emit("groups", func(o Observer) { o.GroupUpdate(n.groups.List()) })
}

func (n *Node) peerAdded(rec discovery.PeerRecord) {
	n.trust.Observe(rec.PeerID)
	n.cache.remember(rec)
	n.emitPeers()
}

func (n *Node) peerUpdated(rec discovery.PeerRecord) {
	n.cache.remember(rec)
	n.emitPeers()
}

func (n *Node) peerRemoved(rec discovery.PeerRecord) {
	if conns, _, err := n.network(); err == nil {
		conns.Forget(rec.PeerID)
	}
	n.emitPeers()
}

func (n *Node) probeLoop() {
	defer n.wg.Done()
	if n.options.ProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.options.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.probeAll()
		}
	}
}

// probeAll measures the round-trip time to every live peer concurrently.
func (n *Node) probeAll() {
	conns, _, err := n.network()
	if err != nil {
		return
	}
	var wg sync.WaitGroup
	for _, p := range n.directory.Snapshot() {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, n.options.ConnectTimeout)
			defer cancel()
			if _, err := conns.Probe(ctx, peerID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "probeAll",
					"package":  "wichain",
					"peer_id":  crypto.ShortID(peerID),
					"error":    err.Error(),
				}).Debug("Probe failed")
			}
		}(p.PeerID)
	}
	wg.Wait()
}

func (n *Node) decayLoop() {
	defer n.wg.Done()
	if n.options.TrustDecayInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.options.TrustDecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.trust.Decay(n.tp.Now())
			if err := n.cache.save(n.trust.Snapshot()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "decayLoop",
					"package":  "wichain",
					"error":    err.Error(),
				}).Warn("Failed to save peer cache")
			}
			n.emitPeers()
		}
	}
}
