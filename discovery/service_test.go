package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/transport"
)

type node struct {
	keys *crypto.KeyPair
	udp  *transport.UDPTransport
	svc  *Service
}

func newNode(t *testing.T) *node {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	udp, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })
	return &node{keys: keys, udp: udp}
}

func (n *node) start(t *testing.T, alias string, tp crypto.TimeProvider, targets ...*node) {
	t.Helper()
	addrs := []*net.UDPAddr{n.udp.LocalAddr().(*net.UDPAddr)}
	for _, target := range targets {
		addrs = append(addrs, target.udp.LocalAddr().(*net.UDPAddr))
	}
	svc, err := NewService(Config{
		Keys:          n.keys,
		Transport:     n.udp,
		Targets:       addrs,
		Alias:         func() string { return alias },
		StreamPort:    func() int { return 7000 },
		Interval:      50 * time.Millisecond,
		StaleAfter:    time.Minute,
		SweepInterval: time.Hour,
		TimeProvider:  tp,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	n.svc = svc
}

func TestServiceDiscoversPeersAndFiltersSelf(t *testing.T) {
	a := newNode(t)
	b := newNode(t)

	a.start(t, "alice", nil, b)
	b.start(t, "bob", nil, a)

	require.Eventually(t, func() bool {
		_, ok := b.svc.Directory().Lookup(a.keys.PeerID())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	rec, _ := b.svc.Directory().Lookup(a.keys.PeerID())
	assert.Equal(t, "alice", rec.Alias)
	assert.Equal(t, 7000, rec.StreamPort)
	assert.Equal(t, a.udp.LocalAddr().String(), rec.Address)

	// Both nodes also broadcast to themselves; their own records are ignored.
	time.Sleep(150 * time.Millisecond)
	_, self := b.svc.Directory().Lookup(b.keys.PeerID())
	assert.False(t, self)
	assert.Equal(t, 1, b.svc.Directory().Len(), "repeated broadcasts keep one record")
	assert.NoError(t, b.svc.Err())
}

func TestServiceCallbacksAndSweep(t *testing.T) {
	clock := crypto.NewMockTimeProvider(time.Unix(10000, 0))
	a := newNode(t)
	a.start(t, "a", clock)

	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	packet, err := NewPresenceRecord(peerKeys.Public, "remote", 0).Packet()
	require.NoError(t, err)
	from := &net.UDPAddr{IP: net.IPv4(10, 1, 1, 1), Port: 60000}

	var mu sync.Mutex
	var events []string
	record := func(kind string) func(PeerRecord) {
		return func(PeerRecord) {
			mu.Lock()
			events = append(events, kind)
			mu.Unlock()
		}
	}
	a.svc.OnPeerAdded(record("added"))
	a.svc.OnPeerUpdated(record("updated"))
	a.svc.OnPeerRemoved(record("removed"))

	require.NoError(t, a.svc.HandlePresence(packet.Data, from))
	require.NoError(t, a.svc.HandlePresence(packet.Data, from))
	require.NoError(t, a.svc.HandlePresence(packet.Data, &net.UDPAddr{IP: net.IPv4(10, 1, 1, 2), Port: 60000}))

	clock.Advance(30 * time.Second)
	assert.Empty(t, a.svc.Sweep())
	clock.Advance(31 * time.Second)
	evicted := a.svc.Sweep()
	require.Len(t, evicted, 1)
	assert.Equal(t, peerKeys.PeerID(), evicted[0].PeerID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"added", "updated", "removed"}, events)
}

func TestServiceDropsMalformedPresence(t *testing.T) {
	a := newNode(t)
	a.start(t, "a", nil)

	err := a.svc.HandlePresence([]byte("not json"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1})
	assert.ErrorIs(t, err, ErrMalformedPresence)
	assert.Equal(t, 0, a.svc.Directory().Len())
	assert.NoError(t, a.svc.Err(), "malformed input is not fatal")
}

// failingTransport rejects every send.
type failingTransport struct{}

func (failingTransport) Send(*transport.Packet, net.Addr) error { return errors.New("network unreachable") }
func (failingTransport) Close() error                            { return nil }
func (failingTransport) LocalAddr() net.Addr                     { return &net.UDPAddr{} }
func (failingTransport) RegisterHandler(transport.PacketType, transport.PacketHandler) {}

func TestServiceAllTargetsFailingIsFatal(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	svc, err := NewService(Config{
		Keys:      keys,
		Transport: failingTransport{},
		Targets:   []*net.UDPAddr{{IP: net.IPv4(10, 0, 0, 255), Port: DefaultPort}},
	})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "send", derr.Op)
	assert.Equal(t, err, svc.Err())
	assert.ErrorIs(t, svc.Announce(), ErrStopped)
	svc.Stop()
}

func TestListenReportsBindFailure(t *testing.T) {
	udp, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer udp.Close()

	_, err = Listen(udp.LocalAddr().String())
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bind", derr.Op)
}

func TestBroadcastTargetsIncludeLimitedBroadcast(t *testing.T) {
	targets := BroadcastTargets(DefaultPort)
	require.NotEmpty(t, targets)
	assert.True(t, targets[0].IP.Equal(net.IPv4bcast))
	for _, target := range targets {
		assert.Equal(t, DefaultPort, target.Port)
	}

	parsed, err := ParseTargets([]string{"127.0.0.1:6000"})
	require.NoError(t, err)
	assert.Equal(t, 6000, parsed[0].Port)
	_, err = ParseTargets([]string{"nonsense"})
	assert.Error(t, err)
}
