package transport

import (
	"errors"
)

// PacketType identifies the type of a wichain packet.
type PacketType byte

const (
	// PacketPresence carries a discovery presence record.
	PacketPresence PacketType = iota + 1
	// PacketDirectBlock carries a WireEnvelope for a single recipient.
	PacketDirectBlock
	// PacketGroupBlock carries a WireEnvelope for one member of a group.
	PacketGroupBlock
	// PacketPing requests a round-trip measurement.
	PacketPing
	// PacketPong answers a ping.
	PacketPong
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketPresence:
		return "Presence"
	case PacketDirectBlock:
		return "DirectBlock"
	case PacketGroupBlock:
		return "GroupBlock"
	case PacketPing:
		return "Ping"
	case PacketPong:
		return "Pong"
	default:
		return "Unknown"
	}
}

// Packet represents a wichain packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
