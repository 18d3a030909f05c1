package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// pairKeyDomain separates pair keys from any other use of the shared secret.
const pairKeyDomain = "wichain/pair-key/v1"

// X25519Private converts an Ed25519 private key to its X25519 scalar.
func X25519Private(priv ed25519.PrivateKey) ([32]byte, error) {
	var out [32]byte
	if len(priv) != ed25519.PrivateKeySize {
		return out, errors.New("invalid private key length")
	}
	h := sha512.Sum512(priv.Seed())
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	ZeroBytes(h[:])
	return out, nil
}

// X25519Public converts an Ed25519 public key to its Montgomery form.
func X25519Public(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("%w: public key length %d", ErrInvalidPeerID, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// DerivePairKey derives the symmetric key shared by self and peer.
//
// key = SHA-512(domain || X25519(self, peer) || min(pkA, pkB) || max(pkA, pkB))[:32]
//
// Both parties compute the same key regardless of who initiates.
func DerivePairKey(self *KeyPair, peer ed25519.PublicKey) ([32]byte, error) {
	var key [32]byte
	if self == nil {
		return key, errors.New("nil key pair")
	}

	scalar, err := X25519Private(self.Private)
	if err != nil {
		return key, err
	}
	defer ZeroBytes(scalar[:])

	peerX, err := X25519Public(peer)
	if err != nil {
		return key, err
	}

	shared, err := curve25519.X25519(scalar[:], peerX[:])
	if err != nil {
		return key, fmt.Errorf("x25519: %w", err)
	}
	defer ZeroBytes(shared)

	lo, hi := self.Public, peer
	if comparePublicKeys(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	h := sha512.New()
	h.Write([]byte(pairKeyDomain))
	h.Write(shared)
	h.Write(lo)
	h.Write(hi)
	sum := h.Sum(nil)
	copy(key[:], sum[:32])
	ZeroBytes(sum)

	return key, nil
}
