package discovery

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/limits"
	"github.com/opd-ai/wichain/transport"
)

// ProtocolVersion is announced in every presence record. Records whose major
// version differs are ignored.
const ProtocolVersion = "1.0"

var (
	// ErrMalformedPresence is returned for presence records that cannot be decoded.
	ErrMalformedPresence = errors.New("malformed presence record")
	// ErrUnsupportedVersion is returned for records with an unknown major version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// PresenceRecord is the broadcast announcement of a node.
type PresenceRecord struct {
	PublicKey       string `json:"public_key"`
	Alias           string `json:"alias"`
	StreamPort      int    `json:"stream_port"`
	ProtocolVersion string `json:"protocol_version"`
}

// NewPresenceRecord builds the record announcing pub.
func NewPresenceRecord(pub ed25519.PublicKey, alias string, streamPort int) PresenceRecord {
	return PresenceRecord{
		PublicKey:       crypto.PeerID(pub),
		Alias:           alias,
		StreamPort:      streamPort,
		ProtocolVersion: ProtocolVersion,
	}
}

// Packet encodes the record as a presence datagram.
func (r PresenceRecord) Packet() (*transport.Packet, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(data) > limits.MaxPresenceRecord {
		return nil, fmt.Errorf("presence record of %d bytes exceeds %d", len(data), limits.MaxPresenceRecord)
	}
	return &transport.Packet{PacketType: transport.PacketPresence, Data: data}, nil
}

// DecodePresence parses and validates a presence payload. Unknown fields are
// ignored so newer nodes can extend the record.
func DecodePresence(data []byte) (PresenceRecord, ed25519.PublicKey, error) {
	var r PresenceRecord
	if len(data) == 0 || len(data) > limits.MaxPresenceRecord {
		return r, nil, ErrMalformedPresence
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
	}
	pub, err := crypto.ParsePeerID(r.PublicKey)
	if err != nil {
		return r, nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
	}
	alias, err := limits.NormalizeAlias(r.Alias)
	if err != nil {
		return r, nil, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
	}
	if r.StreamPort < 0 || r.StreamPort > 65535 {
		return r, nil, fmt.Errorf("%w: stream port %d", ErrMalformedPresence, r.StreamPort)
	}
	if major(r.ProtocolVersion) != major(ProtocolVersion) {
		return r, nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.ProtocolVersion)
	}
	r.Alias = alias
	r.PublicKey = crypto.PeerID(pub)
	return r, pub, nil
}

func major(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return n
}
