package interfaces

import (
	"crypto/ed25519"
	"net"
	"strconv"
)

// PeerEndpoint is everything the transport layer needs to reach a peer.
type PeerEndpoint struct {
	// PeerID is the hex encoded public key.
	PeerID string
	// PublicKey is the peer's Ed25519 identity key.
	PublicKey ed25519.PublicKey
	// DatagramAddr is the last address the peer's datagram socket was seen at.
	DatagramAddr *net.UDPAddr
	// StreamPort is the port the peer accepts stream connections on, 0 if none.
	StreamPort int
}

// StreamAddr returns host:port of the peer's stream listener, or "" when the
// peer does not accept streams.
func (e PeerEndpoint) StreamAddr() string {
	if e.StreamPort <= 0 || e.DatagramAddr == nil {
		return ""
	}
	return net.JoinHostPort(e.DatagramAddr.IP.String(), strconv.Itoa(e.StreamPort))
}

// IPeerResolver maps peer ids to endpoints. The discovery directory
// implements it for the connection manager.
type IPeerResolver interface {
	// ResolvePeer returns the endpoint of a live peer.
	ResolvePeer(peerID string) (PeerEndpoint, bool)
}

// PeerResolverFunc adapts a function to IPeerResolver.
type PeerResolverFunc func(peerID string) (PeerEndpoint, bool)

// ResolvePeer calls f.
func (f PeerResolverFunc) ResolvePeer(peerID string) (PeerEndpoint, bool) {
	return f(peerID)
}

// StaticResolver is a fixed peer table, used by tools and tests that run
// without discovery.
type StaticResolver map[string]PeerEndpoint

// ResolvePeer looks the peer up in the table.
func (s StaticResolver) ResolvePeer(peerID string) (PeerEndpoint, bool) {
	ep, ok := s[peerID]
	return ep, ok
}
