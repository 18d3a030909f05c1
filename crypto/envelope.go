package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const envelopeDomain = "wichain/envelope/v1"

// SignedEnvelope is the signed, encrypted body exchanged between peers.
//
// The signature covers SigningBytes, the canonical encoding of every other field.
type SignedEnvelope struct {
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Ciphertext  []byte `json:"ciphertext"`
	Nonce       []byte `json:"nonce"`
	Signature   []byte `json:"signature"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// SigningBytes returns the canonical encoding signed by the sender.
// Variable-length fields are length prefixed so distinct envelopes never
// share an encoding.
func (e *SignedEnvelope) SigningBytes() []byte {
	size := len(envelopeDomain) + 4 + len(e.From) + 1 + 4 + len(e.To) +
		4 + len(e.Ciphertext) + 4 + len(e.Nonce) + 8
	buf := make([]byte, 0, size)

	buf = append(buf, envelopeDomain...)
	buf = appendField(buf, []byte(e.From))
	if e.To == "" {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendField(buf, []byte(e.To))
	}
	buf = appendField(buf, e.Ciphertext)
	buf = appendField(buf, e.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.TimestampMS))
	return buf
}

// associatedData binds the routing fields to the ciphertext.
func (e *SignedEnvelope) associatedData() []byte {
	buf := make([]byte, 0, 16+len(e.From)+len(e.To))
	buf = appendField(buf, []byte(e.From))
	buf = appendField(buf, []byte(e.To))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.TimestampMS))
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// SignEnvelope fills in From and Signature using keys.
func SignEnvelope(e *SignedEnvelope, keys *KeyPair) error {
	if e == nil || keys == nil {
		return errors.New("nil envelope or key pair")
	}
	e.From = keys.PeerID()
	sig, err := Sign(e.SigningBytes(), keys.Private)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// VerifyEnvelope checks the envelope signature against the public key named by From.
func VerifyEnvelope(e *SignedEnvelope) error {
	if e == nil {
		return errors.New("nil envelope")
	}
	pub, err := ParsePeerID(e.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(e.Nonce) != NonceSize && !e.Legacy() {
		return fmt.Errorf("%w: nonce length %d", ErrBadSignature, len(e.Nonce))
	}
	if !Verify(e.SigningBytes(), e.Signature, pub) {
		return ErrBadSignature
	}
	return nil
}

// Legacy reports whether e was written by an early release that obfuscated
// the payload instead of encrypting it. Such envelopes carry no nonce.
func (e *SignedEnvelope) Legacy() bool {
	return len(e.Nonce) == 0
}

// Clone returns a deep copy of the envelope.
func (e *SignedEnvelope) Clone() *SignedEnvelope {
	c := *e
	c.Ciphertext = append([]byte(nil), e.Ciphertext...)
	c.Nonce = append([]byte(nil), e.Nonce...)
	c.Signature = append([]byte(nil), e.Signature...)
	return &c
}
