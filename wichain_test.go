package wichain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/group"
	"github.com/opd-ai/wichain/identity"
	"github.com/opd-ai/wichain/ledger"
	"github.com/opd-ai/wichain/messaging"
	"github.com/opd-ai/wichain/transport"
	"github.com/opd-ai/wichain/trust"
)

type recordingObserver struct {
	NopObserver

	mu          sync.Mutex
	chats       []messaging.ChatMessage
	groups      []group.Group
	identities  []identity.Info
	peerUpdates int
}

func (o *recordingObserver) PeerUpdate([]discovery.PeerRecord) {
	o.mu.Lock()
	o.peerUpdates++
	o.mu.Unlock()
}

func (o *recordingObserver) ChatUpdate(msg messaging.ChatMessage) {
	o.mu.Lock()
	o.chats = append(o.chats, msg)
	o.mu.Unlock()
}

func (o *recordingObserver) GroupUpdate(groups []group.Group) {
	o.mu.Lock()
	o.groups = groups
	o.mu.Unlock()
}

func (o *recordingObserver) IdentityUpdate(id identity.Info) {
	o.mu.Lock()
	o.identities = append(o.identities, id)
	o.mu.Unlock()
}

func (o *recordingObserver) chatCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.chats)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func testOptions(t *testing.T, port int, peers []int) *Options {
	t.Helper()
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.BindAddress = "127.0.0.1"
	opts.DiscoveryPort = port
	for _, p := range peers {
		opts.DiscoveryTargets = append(opts.DiscoveryTargets, fmt.Sprintf("127.0.0.1:%d", p))
	}
	opts.BroadcastInterval = 50 * time.Millisecond
	opts.SweepInterval = 50 * time.Millisecond
	opts.ProbeInterval = 0
	opts.TrustDecayInterval = 0
	opts.BatchWindow = 5 * time.Millisecond
	return opts
}

// cluster starts size nodes on loopback that broadcast to each other and
// waits until every node has discovered every other one.
func cluster(t *testing.T, size int, configure func(i int, opts *Options)) []*Node {
	t.Helper()
	ports := make([]int, size)
	for i := range ports {
		ports[i] = freeUDPPort(t)
	}

	nodes := make([]*Node, size)
	for i := range nodes {
		opts := testOptions(t, ports[i], ports)
		opts.DefaultAlias = fmt.Sprintf("node-%d", i)
		if configure != nil {
			configure(i, opts)
		}
		n, err := New(opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		require.NoError(t, n.Start(context.Background()))
		nodes[i] = n
	}

	for _, n := range nodes {
		node := n
		require.Eventually(t, func() bool {
			return len(node.GetPeers()) == size-1
		}, 5*time.Second, 20*time.Millisecond)
	}
	return nodes
}

func peerID(n *Node) string { return n.GetIdentity().PeerID }

func historyWith(t *testing.T, n *Node, text string) (messaging.ChatMessage, bool) {
	t.Helper()
	msgs, err := n.GetChatHistory()
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Contents.Text() == text {
			return m, true
		}
	}
	return messaging.ChatMessage{}, false
}

func TestDirectMessageRaisesTrust(t *testing.T) {
	obs := &recordingObserver{}
	nodes := cluster(t, 2, func(i int, opts *Options) {
		if i == 0 {
			opts.Observer = obs
		}
	})
	a, b := nodes[0], nodes[1]

	peers := b.GetPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, peerID(a), peers[0].PeerID)
	assert.Equal(t, "node-0", peers[0].Alias)
	assert.Equal(t, trust.DefaultScore, peers[0].TrustScore)

	report, err := b.AddPeerMessage(context.Background(), "hello", peerID(a), nil)
	require.NoError(t, err)
	require.Len(t, report.Deliveries, 1)
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, report.Delivered())
	assert.Equal(t, transport.ConnectionStream, report.Deliveries[0].ConnectionType)

	require.Eventually(t, func() bool {
		_, ok := historyWith(t, a, "hello")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	msg, _ := historyWith(t, a, "hello")
	assert.Equal(t, peerID(b), msg.From)
	assert.Equal(t, peerID(b), msg.PeerID)
	assert.Equal(t, report.MessageID, msg.ID)
	assert.False(t, msg.Outgoing)

	var score float64
	for _, p := range a.GetPeers() {
		if p.PeerID == peerID(b) {
			score = p.TrustScore
		}
	}
	assert.Greater(t, score, trust.DefaultScore)

	sent, ok := historyWith(t, b, "hello")
	require.True(t, ok)
	assert.True(t, sent.Outgoing)
	assert.Equal(t, peerID(a), sent.PeerID)

	require.Eventually(t, func() bool { return obs.chatCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAttachmentRoundTrip(t *testing.T) {
	nodes := cluster(t, 2, nil)
	a, b := nodes[0], nodes[1]

	data := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 50000)
	att := messaging.NewAttachment("photo.png", "", data)
	_, err := a.AddPeerMessage(context.Background(), "see attached", peerID(b), &att)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := historyWith(t, b, "see attached")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	msg, _ := historyWith(t, b, "see attached")
	require.Len(t, msg.Contents, 2)
	got, ok := msg.Contents[1].(messaging.Attachment)
	require.True(t, ok)
	assert.Equal(t, "photo.png", got.Name)
	assert.Equal(t, data, got.Data)
}

func TestDatagramFallbackWhenStreamsUnavailable(t *testing.T) {
	nodes := cluster(t, 2, nil)
	a, b := nodes[0], nodes[1]

	// Stop b's stream listener so a can only reach it over datagrams.
	b.netMu.RLock()
	conns := b.conns
	b.netMu.RUnlock()
	require.NoError(t, conns.Close())

	report, err := a.AddPeerMessage(context.Background(), "over udp", peerID(b), nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, transport.ConnectionDatagram, report.Deliveries[0].ConnectionType)

	require.Eventually(t, func() bool {
		_, ok := historyWith(t, b, "over udp")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHistorySurvivesRestart(t *testing.T) {
	nodes := cluster(t, 2, nil)
	a, b := nodes[0], nodes[1]

	_, err := a.AddPeerMessage(context.Background(), "persist me", peerID(b), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := historyWith(t, b, "persist me")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	opts := a.options
	require.NoError(t, a.Close())

	reopened, err := New(opts)
	require.NoError(t, err)
	defer reopened.Close()

	msg, ok := historyWith(t, reopened, "persist me")
	require.True(t, ok)
	assert.True(t, msg.Outgoing)
	assert.Equal(t, peerID(b), msg.PeerID)
	assert.NoError(t, reopened.LedgerErr())
	assert.True(t, reopened.LedgerSummary().Valid)

	var found bool
	for _, s := range reopened.TrustScores() {
		if s.PeerID == peerID(b) {
			found = true
		}
	}
	assert.True(t, found, "trust scores are restored from the peer cache")
}

func TestLegacyLedgerRecordsAreReadable(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	n, err := New(opts)
	require.NoError(t, err)

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	data, err := messaging.NewPayload(time.UnixMilli(5000), messaging.Text{Body: "from an old release"}).Encode()
	require.NoError(t, err)
	env := crypto.SignedEnvelope{
		To:          peerID(n),
		Ciphertext:  crypto.LegacyDeobfuscate(data, sender.Public, n.GetIdentity().PublicKey),
		TimestampMS: 5000,
	}
	require.NoError(t, crypto.SignEnvelope(&env, sender))
	_, err = n.ledger.Append(env)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	reopened, err := New(opts)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.LedgerErr())

	msg, ok := historyWith(t, reopened, "from an old release")
	require.True(t, ok)
	assert.Equal(t, sender.PeerID(), msg.PeerID)
	assert.False(t, msg.Outgoing)

	// The same record arriving over the network is refused.
	packet, err := transport.NewEnvelopePacket(transport.PacketDirectBlock, peerID(reopened), &env)
	require.NoError(t, err)
	assert.ErrorIs(t, reopened.handleEnvelope(packet, nil), crypto.ErrAuthFailed)
}

func TestTamperedLedgerBlocksNode(t *testing.T) {
	dir := t.TempDir()
	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	env, err := crypto.NewEngine(sender).Seal(recipient.Public, []byte("secret"))
	require.NoError(t, err)

	path := filepath.Join(dir, ledgerFile)
	l, err := ledger.Open(path, ledger.Options{})
	require.NoError(t, err)
	_, err = l.Append(*env)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	lines[1] = bytes.Replace(lines[1], []byte(`"timestamp_ms":`), []byte(`"timestamp_ms":1`), 1)
	require.NoError(t, os.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0o600))

	opts := NewOptions()
	opts.DataDir = dir
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	var ierr *ledger.IntegrityError
	require.ErrorAs(t, n.LedgerErr(), &ierr)
	assert.Equal(t, uint64(1), ierr.Index)
	assert.False(t, n.LedgerSummary().Valid)
	assert.NotEmpty(t, n.GetNetworkStatus().LedgerError)

	_, err = n.GetChatHistory()
	assert.ErrorIs(t, err, ledger.ErrBlocked)
	_, err = n.appender.Submit(context.Background(), *env)
	assert.ErrorIs(t, err, ledger.ErrBlocked)

	require.NoError(t, n.ResetLocalData())
	assert.NoError(t, n.LedgerErr())
	msgs, err := n.GetChatHistory()
	require.NoError(t, err)
	assert.Empty(t, msgs)
	sum := n.LedgerSummary()
	assert.True(t, sum.Valid)
	assert.Len(t, sum.Blocks, 1)
}

func TestStalePeerIsEvicted(t *testing.T) {
	clock := crypto.NewMockTimeProvider(time.Now())
	nodes := cluster(t, 2, func(i int, opts *Options) {
		if i == 0 {
			opts.TimeProvider = clock
			opts.StaleAfter = 30 * time.Second
		}
	})
	a, b := nodes[0], nodes[1]
	bID := peerID(b)
	require.NoError(t, b.Close())

	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		return len(a.GetPeers()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err := a.AddPeerMessage(context.Background(), "anyone there?", bID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrUnknownPeer))
}

func TestGroupMessageFansOut(t *testing.T) {
	observers := []*recordingObserver{{}, {}, {}}
	nodes := cluster(t, 3, func(i int, opts *Options) {
		opts.Observer = observers[i]
	})
	a, b, c := nodes[0], nodes[1], nodes[2]

	g, err := a.CreateGroup([]string{peerID(b), peerID(c)})
	require.NoError(t, err)
	assert.Equal(t, group.ID([]string{peerID(c), peerID(a), peerID(b)}), g.ID)
	assert.Equal(t, group.ID([]string{peerID(b), peerID(c), peerID(a), peerID(b)}), g.ID)

	report, err := a.AddGroupMessage(context.Background(), "hi all", g.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, g.ID, report.GroupID)
	require.Len(t, report.Deliveries, 2)
	assert.Equal(t, 2, report.Delivered())

	for _, n := range []*Node{b, c} {
		node := n
		require.Eventually(t, func() bool {
			_, ok := historyWith(t, node, "hi all")
			return ok
		}, 5*time.Second, 20*time.Millisecond)

		msg, _ := historyWith(t, node, "hi all")
		assert.Equal(t, g.ID, msg.GroupID)
		assert.Equal(t, peerID(a), msg.From)

		groups := node.ListGroups()
		require.Len(t, groups, 1)
		assert.Equal(t, g.ID, groups[0].ID)
	}

	sent, err := a.GetChatHistory()
	require.NoError(t, err)
	require.Len(t, sent, 1, "a group message is recorded once by the sender")
	assert.Equal(t, 2, a.LedgerSummary().TotalEnvelopes)

	// b replies to the group it learned from a.
	_, err = b.AddGroupMessage(context.Background(), "hi a", g.ID, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := historyWith(t, c, "hi a")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGroupMessageReportsMissingMembers(t *testing.T) {
	nodes := cluster(t, 2, nil)
	a, b := nodes[0], nodes[1]
	offline, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	g, err := a.CreateGroup([]string{peerID(b), offline.PeerID()})
	require.NoError(t, err)
	report, err := a.AddGroupMessage(context.Background(), "partial", g.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered())
	for _, d := range report.Deliveries {
		if d.PeerID == offline.PeerID() {
			assert.ErrorIs(t, d.Err, transport.ErrUnknownPeer)
		} else {
			assert.NoError(t, d.Err)
		}
	}
}

func TestForgedEnvelopeIsPenalized(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	n.trust.Observe(attacker.PeerID())

	env, err := crypto.NewEngine(attacker).Seal(n.GetIdentity().PublicKey, []byte("forged"))
	require.NoError(t, err)
	env.Signature[0] ^= 0x01
	packet, err := transport.NewEnvelopePacket(transport.PacketDirectBlock, n.GetIdentity().PeerID, env)
	require.NoError(t, err)

	err = n.handleEnvelope(packet, nil)
	assert.ErrorIs(t, err, crypto.ErrBadSignature)
	score, ok := n.trust.Get(attacker.PeerID())
	require.True(t, ok)
	assert.Equal(t, trust.DefaultScore-trust.Penalty, score)

	msgs, err := n.GetChatHistory()
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, n.ledger.Len())
}

func TestUndecryptableEnvelopeIsPenalized(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	n.trust.Observe(sender.PeerID())

	env, err := crypto.NewEngine(sender).Seal(n.GetIdentity().PublicKey, []byte("garbled"))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01
	require.NoError(t, crypto.SignEnvelope(env, sender))
	require.NoError(t, crypto.VerifyEnvelope(env))
	packet, err := transport.NewEnvelopePacket(transport.PacketDirectBlock, peerID(n), env)
	require.NoError(t, err)

	assert.ErrorIs(t, n.handleEnvelope(packet, nil), crypto.ErrAuthFailed)
	score, ok := n.trust.Get(sender.PeerID())
	require.True(t, ok)
	assert.Equal(t, trust.DefaultScore-trust.Penalty, score)

	msgs, err := n.GetChatHistory()
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, n.ledger.Len())
}

func TestDuplicateEnvelopeIsLoggedOnce(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.BatchWindow = time.Millisecond
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	payload := messaging.NewPayload(time.Now(), messaging.Text{Body: "once"})
	data, err := payload.Encode()
	require.NoError(t, err)
	env, err := crypto.NewEngine(sender).Seal(n.GetIdentity().PublicKey, data)
	require.NoError(t, err)
	packet, err := transport.NewEnvelopePacket(transport.PacketDirectBlock, n.GetIdentity().PeerID, env)
	require.NoError(t, err)

	require.NoError(t, n.handleEnvelope(packet, nil))
	require.NoError(t, n.handleEnvelope(packet, nil))

	msgs, err := n.GetChatHistory()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "once", msgs[0].Contents.Text())
	assert.Equal(t, 2, n.ledger.Len())
}

func TestGroupPacketMustCarryMatchingGroup(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	payload := messaging.NewPayload(time.Now(), messaging.Text{Body: "no group"})
	data, err := payload.Encode()
	require.NoError(t, err)
	env, err := crypto.NewEngine(sender).Seal(n.GetIdentity().PublicKey, data)
	require.NoError(t, err)
	packet, err := transport.NewEnvelopePacket(transport.PacketGroupBlock, "abc", env)
	require.NoError(t, err)

	assert.ErrorIs(t, n.handleEnvelope(packet, nil), errGroupMismatch)
	assert.Equal(t, 1, n.ledger.Len())
}

func TestSetAliasNotifiesAndAnnounces(t *testing.T) {
	obs := &recordingObserver{}
	nodes := cluster(t, 2, func(i int, opts *Options) {
		if i == 0 {
			opts.Observer = obs
		}
	})
	a, b := nodes[0], nodes[1]

	require.NoError(t, a.SetAlias("  Alice  "))
	assert.Equal(t, "Alice", a.GetIdentity().Alias)

	require.Eventually(t, func() bool {
		peers := b.GetPeers()
		return len(peers) == 1 && peers[0].Alias == "Alice"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.identities) == 1 && obs.identities[0].Alias == "Alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNetworkStatusReportsConnections(t *testing.T) {
	nodes := cluster(t, 2, nil)
	a, b := nodes[0], nodes[1]

	require.NoError(t, a.Upgrade(context.Background(), peerID(b)))
	rtt, err := a.conns.Probe(context.Background(), peerID(b))
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	st := a.GetNetworkStatus()
	assert.True(t, st.Running)
	assert.Equal(t, peerID(a), st.PeerID)
	assert.NotZero(t, st.StreamPort)
	assert.Empty(t, st.DiscoveryError)
	assert.Empty(t, st.LedgerError)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, peerID(b), st.Peers[0].PeerID)
	assert.Equal(t, transport.StateStreamEstablished, st.Peers[0].State)
	assert.Equal(t, transport.ConnectionStream, st.Peers[0].ConnectionType)
	assert.Greater(t, st.Peers[0].RTTMillis, 0.0)
}

func TestProbingLeavesStreamsLazy(t *testing.T) {
	nodes := cluster(t, 2, func(_ int, opts *Options) {
		opts.ProbeInterval = 50 * time.Millisecond
		opts.IdleTimeout = 300 * time.Millisecond
	})
	a, b := nodes[0], nodes[1]

	require.Eventually(t, func() bool {
		return a.conns.Status(peerID(b)).RTT > 0
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.NotEqual(t, transport.StateStreamEstablished, a.conns.Status(peerID(b)).State)
	assert.NotEqual(t, transport.StateStreamEstablished, b.conns.Status(peerID(a)).State)

	require.NoError(t, a.Upgrade(context.Background(), peerID(b)))
	assert.Equal(t, transport.StateStreamEstablished, a.conns.Status(peerID(b)).State)
	require.Eventually(t, func() bool {
		return a.conns.Status(peerID(b)).State == transport.StateDiscoveredOnly
	}, 3*time.Second, 20*time.Millisecond, "probes must not keep an idle stream open")
}

func TestOperationsBeforeStart(t *testing.T) {
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	_, err = n.AddPeerMessage(context.Background(), "hi", "00", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, n.Upgrade(context.Background(), "00"), ErrNotStarted)
	assert.NoError(t, n.DiscoveryErr())
	assert.False(t, n.GetNetworkStatus().Running)
	assert.Empty(t, n.GetPeers())

	_, err = n.AddGroupMessage(context.Background(), "hi", "missing", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartReportsBindFailure(t *testing.T) {
	busy, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	opts := testOptions(t, busy.LocalAddr().(*net.UDPAddr).Port, nil)
	n, err := New(opts)
	require.NoError(t, err)
	defer n.Close()

	err = n.Start(context.Background())
	var derr *discovery.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bind", derr.Op)
}

func TestCloseIsIdempotent(t *testing.T) {
	nodes := cluster(t, 2, nil)
	require.NoError(t, nodes[0].Close())
	require.NoError(t, nodes[0].Close())
	assert.ErrorIs(t, nodes[0].Start(context.Background()), ErrClosed)
}
