package transport

import (
	"errors"
	"fmt"
	"net"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for datagram transports.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

// ConnectionType is the channel a packet was actually sent over.
type ConnectionType uint8

const (
	// ConnectionNone means no channel is available.
	ConnectionNone ConnectionType = iota
	// ConnectionDatagram is the unreliable datagram fallback.
	ConnectionDatagram
	// ConnectionStream is a pooled or freshly established reliable stream.
	ConnectionStream
)

// String returns the connection type name.
func (c ConnectionType) String() string {
	switch c {
	case ConnectionDatagram:
		return "datagram"
	case ConnectionStream:
		return "stream"
	default:
		return "none"
	}
}

// MarshalText encodes the connection type by name.
func (c ConnectionType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// State is the per-peer connection state machine position.
type State uint8

const (
	// StateUnknown means the peer is not in the directory.
	StateUnknown State = iota
	// StateDiscoveredOnly means the peer is known but has no stream.
	StateDiscoveredOnly
	// StateStreamRequested means a stream dial is in flight.
	StateStreamRequested
	// StateStreamEstablished means an authenticated stream is pooled.
	StateStreamEstablished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDiscoveredOnly:
		return "discovered"
	case StateStreamRequested:
		return "stream_requested"
	case StateStreamEstablished:
		return "stream_established"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrUnknownPeer is returned when sending to a peer that is not in the directory.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrConnectTimeout is returned when a stream could not be established in time.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrStreamClosed is returned when writing to a closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrPayloadTooLarge is returned when a packet exceeds every available channel.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// Error describes a transport failure for one peer.
type Error struct {
	Op     string
	PeerID string
	Err    error
}

func (e *Error) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	id := e.PeerID
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, id, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
