package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeyPair is the long-term Ed25519 identity of a node.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// ErrInvalidPeerID is returned when a peer identifier is not a hex encoded public key.
var ErrInvalidPeerID = errors.New("invalid peer id")

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// FromSeed recreates a key pair from its 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	if isZero(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Seed returns a copy of the private seed. Callers are responsible for wiping it.
func (kp *KeyPair) Seed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, kp.Private.Seed())
	return seed
}

// PeerID returns the peer identifier derived from the public key.
func (kp *KeyPair) PeerID() string {
	return PeerID(kp.Public)
}

// PeerID encodes a public key as a lowercase hex peer identifier.
func PeerID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// ParsePeerID decodes a peer identifier back into its public key.
func ParsePeerID(id string) (ed25519.PublicKey, error) {
	if len(id) != 2*ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPeerID, len(id))
	}
	raw, err := hex.DecodeString(strings.ToLower(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return ed25519.PublicKey(raw), nil
}

// ShortID returns a prefix of a peer identifier suitable for log fields.
func ShortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

// comparePublicKeys orders two public keys bytewise.
func comparePublicKeys(a, b ed25519.PublicKey) int {
	return bytes.Compare(a, b)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
