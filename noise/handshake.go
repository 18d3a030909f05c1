// Package noise authenticates and encrypts wichain stream connections with
// the Noise IK pattern.
package noise

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/wichain/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrIdentityMismatch indicates the identity proven in the handshake
	// does not match the Noise static key or the expected peer.
	ErrIdentityMismatch = errors.New("handshake identity mismatch")
)

// Prologue is mixed into every handshake so wichain sessions never complete
// against an unrelated Noise service.
var Prologue = []byte("wichain/stream/v1")

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// IKHandshake implements the Noise IK pattern. The static keys are the X25519
// forms of the peers' Ed25519 identities, and each side sends its Ed25519
// public key as the handshake payload so the other side can bind the session
// to a peer id.
type IKHandshake struct {
	role       HandshakeRole
	local      *crypto.KeyPair
	expected   ed25519.PublicKey
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	remote     ed25519.PublicKey
	complete   bool
}

// NewIKHandshake creates a new IK pattern handshake.
// peer is the responder's identity and is required for the initiator.
func NewIKHandshake(local *crypto.KeyPair, peer ed25519.PublicKey, role HandshakeRole) (*IKHandshake, error) {
	if local == nil {
		return nil, errors.New("nil local key pair")
	}
	if role == Initiator && len(peer) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peer))
	}

	priv, err := crypto.X25519Private(local.Private)
	if err != nil {
		return nil, fmt.Errorf("derive static key: %w", err)
	}
	pub, err := crypto.X25519Public(local.Public)
	if err != nil {
		crypto.ZeroBytes(priv[:])
		return nil, fmt.Errorf("derive static key: %w", err)
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), priv[:]...),
		Public:  append([]byte(nil), pub[:]...),
	}
	crypto.ZeroBytes(priv[:])

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		Prologue:      Prologue,
		StaticKeypair: staticKey,
	}

	ik := &IKHandshake{role: role, local: local}

	if role == Initiator {
		peerX, err := crypto.X25519Public(peer)
		if err != nil {
			return nil, fmt.Errorf("derive peer static key: %w", err)
		}
		config.PeerStatic = append([]byte(nil), peerX[:]...)
		ik.expected = append(ed25519.PublicKey(nil), peer...)
	}

	ik.state, err = noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return ik, nil
}

// WriteMessage produces the next handshake message.
// The initiator calls it with a nil received message to create the first
// message (-> e, es, s, ss). The responder passes the initiator's message and
// gets back the reply (<- e, ee, se); the responder is complete afterwards.
func (ik *IKHandshake) WriteMessage(receivedMessage []byte) ([]byte, bool, error) {
	if ik.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload := []byte(ik.local.Public)
	if ik.role == Initiator {
		message, _, _, err := ik.state.WriteMessage(nil, payload)
		if err != nil {
			return nil, false, fmt.Errorf("initiator write failed: %w", err)
		}
		return message, false, nil
	}

	if receivedMessage == nil {
		return nil, false, errors.New("responder requires received message")
	}
	remotePayload, _, _, err := ik.state.ReadMessage(nil, receivedMessage)
	if err != nil {
		return nil, false, fmt.Errorf("responder read failed: %w", err)
	}
	if err := ik.bindRemote(remotePayload); err != nil {
		return nil, false, err
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("responder write failed: %w", err)
	}
	// The first cipher state encrypts initiator to responder traffic.
	ik.recvCipher, ik.sendCipher = cs1, cs2
	ik.complete = true
	return message, true, nil
}

// ReadMessage processes the responder's reply. Only the initiator calls it.
func (ik *IKHandshake) ReadMessage(message []byte) (bool, error) {
	if ik.complete {
		return false, ErrHandshakeComplete
	}
	if ik.role != Initiator {
		return false, errors.New("only initiator can read response messages")
	}

	remotePayload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return false, fmt.Errorf("initiator read response failed: %w", err)
	}
	if err := ik.bindRemote(remotePayload); err != nil {
		return false, err
	}
	if !bytes.Equal(ik.remote, ik.expected) {
		return false, fmt.Errorf("%w: responder is not the dialed peer", ErrIdentityMismatch)
	}

	ik.sendCipher, ik.recvCipher = cs1, cs2
	ik.complete = true
	return true, nil
}

// bindRemote checks that the Ed25519 key in payload converts to the remote
// Noise static key.
func (ik *IKHandshake) bindRemote(payload []byte) error {
	if len(payload) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: payload length %d", ErrIdentityMismatch, len(payload))
	}
	claimed := ed25519.PublicKey(append([]byte(nil), payload...))
	x, err := crypto.X25519Public(claimed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}
	if !bytes.Equal(x[:], ik.state.PeerStatic()) {
		return fmt.Errorf("%w: identity does not match static key", ErrIdentityMismatch)
	}
	ik.remote = claimed
	return nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// GetCipherStates returns the send and receive cipher states after successful handshake.
func (ik *IKHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return ik.sendCipher, ik.recvCipher, nil
}

// RemoteIdentity returns the peer's Ed25519 public key proven during the handshake.
func (ik *IKHandshake) RemoteIdentity() (ed25519.PublicKey, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append(ed25519.PublicKey(nil), ik.remote...), nil
}
