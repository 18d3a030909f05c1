package transport

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/wichain/crypto"
)

// WireEnvelope is the message wire envelope carried by DirectBlock and
// GroupBlock packets. To is a peer id for direct messages and a group id for
// group messages; the signed payload always names a single recipient.
type WireEnvelope struct {
	MsgType string                `json:"msg_type"`
	From    string                `json:"from"`
	To      string                `json:"to,omitempty"`
	Payload crypto.SignedEnvelope `json:"payload"`
}

// NewEnvelopePacket wraps a signed envelope in a packet of type pt.
func NewEnvelopePacket(pt PacketType, to string, env *crypto.SignedEnvelope) (*Packet, error) {
	if pt != PacketDirectBlock && pt != PacketGroupBlock {
		return nil, fmt.Errorf("packet type %s cannot carry an envelope", pt)
	}
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	data, err := json.Marshal(WireEnvelope{
		MsgType: pt.String(),
		From:    env.From,
		To:      to,
		Payload: *env,
	})
	if err != nil {
		return nil, fmt.Errorf("encode wire envelope: %w", err)
	}
	return &Packet{PacketType: pt, Data: data}, nil
}

// DecodeEnvelope parses the wire envelope of a DirectBlock or GroupBlock packet.
// The outer From must agree with the signed payload and the message type must
// agree with the packet type.
func DecodeEnvelope(p *Packet) (*WireEnvelope, error) {
	if p.PacketType != PacketDirectBlock && p.PacketType != PacketGroupBlock {
		return nil, fmt.Errorf("packet type %s does not carry an envelope", p.PacketType)
	}
	var w WireEnvelope
	if err := json.Unmarshal(p.Data, &w); err != nil {
		return nil, fmt.Errorf("decode wire envelope: %w", err)
	}
	if w.MsgType != p.PacketType.String() {
		return nil, fmt.Errorf("msg_type %q does not match packet type %s", w.MsgType, p.PacketType)
	}
	if w.From != w.Payload.From {
		return nil, errors.New("wire sender does not match signed sender")
	}
	return &w, nil
}

const pingSize = 8 + ed25519.PublicKeySize

// ProbePacket builds a Ping or Pong packet carrying seq and the sender key.
func ProbePacket(pt PacketType, seq uint64, from ed25519.PublicKey) *Packet {
	data := make([]byte, pingSize)
	binary.BigEndian.PutUint64(data[:8], seq)
	copy(data[8:], from)
	return &Packet{PacketType: pt, Data: data}
}

// ParseProbe extracts the sequence number and sender key of a Ping or Pong packet.
func ParseProbe(p *Packet) (uint64, ed25519.PublicKey, error) {
	if len(p.Data) != pingSize {
		return 0, nil, fmt.Errorf("invalid probe length %d", len(p.Data))
	}
	from := ed25519.PublicKey(append([]byte(nil), p.Data[8:]...))
	return binary.BigEndian.Uint64(p.Data[:8]), from, nil
}
