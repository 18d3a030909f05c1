package interfaces

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerEndpointStreamAddr(t *testing.T) {
	ep := PeerEndpoint{
		DatagramAddr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 60000},
		StreamPort:   7000,
	}
	assert.Equal(t, "192.168.1.5:7000", ep.StreamAddr())

	ep.StreamPort = 0
	assert.Equal(t, "", ep.StreamAddr())

	ep.StreamPort = 7000
	ep.DatagramAddr = nil
	assert.Equal(t, "", ep.StreamAddr())
}

func TestResolvers(t *testing.T) {
	static := StaticResolver{"a": {PeerID: "a", StreamPort: 1}}
	ep, ok := static.ResolvePeer("a")
	assert.True(t, ok)
	assert.Equal(t, 1, ep.StreamPort)
	_, ok = static.ResolvePeer("b")
	assert.False(t, ok)

	var r IPeerResolver = PeerResolverFunc(func(id string) (PeerEndpoint, bool) {
		return PeerEndpoint{PeerID: id}, id == "x"
	})
	_, ok = r.ResolvePeer("x")
	assert.True(t, ok)
}
