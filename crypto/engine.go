package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// maxCachedPairKeys bounds the per-peer key cache.
const maxCachedPairKeys = 1024

// ErrNotAddressed is returned when opening an envelope that involves neither
// the local node as sender nor as recipient.
var ErrNotAddressed = errors.New("envelope not addressed to this node")

// Engine signs, verifies, encrypts and decrypts envelopes for one local identity.
// It is safe for concurrent use.
type Engine struct {
	keys   *KeyPair
	selfID string

	mu       sync.Mutex
	pairKeys map[string][32]byte

	replay       *ReplayGuard
	timeProvider TimeProvider
}

// NewEngine creates an engine for the local key pair.
func NewEngine(keys *KeyPair) *Engine {
	return NewEngineWithTimeProvider(keys, nil)
}

// NewEngineWithTimeProvider creates an engine with a custom clock used for
// envelope timestamps and replay expiry.
func NewEngineWithTimeProvider(keys *KeyPair, tp TimeProvider) *Engine {
	if tp == nil {
		tp = GetDefaultTimeProvider()
	}
	return &Engine{
		keys:         keys,
		selfID:       keys.PeerID(),
		pairKeys:     make(map[string][32]byte),
		replay:       NewReplayGuard(DefaultReplayWindow, tp),
		timeProvider: tp,
	}
}

// SelfID returns the local peer id.
func (e *Engine) SelfID() string { return e.selfID }

// PairKey returns the cached or freshly derived key shared with peer.
func (e *Engine) PairKey(peer ed25519.PublicKey) ([32]byte, error) {
	id := PeerID(peer)

	e.mu.Lock()
	if key, ok := e.pairKeys[id]; ok {
		e.mu.Unlock()
		return key, nil
	}
	e.mu.Unlock()

	key, err := DerivePairKey(e.keys, peer)
	if err != nil {
		return key, err
	}

	e.mu.Lock()
	if len(e.pairKeys) >= maxCachedPairKeys {
		e.wipeCacheLocked()
	}
	e.pairKeys[id] = key
	e.mu.Unlock()
	return key, nil
}

// Seal encrypts plaintext for recipient and signs the resulting envelope.
// A fresh random nonce is generated for every call.
func (e *Engine) Seal(recipient ed25519.PublicKey, plaintext []byte) (*SignedEnvelope, error) {
	logger := NewLogger("Seal").WithPeer(PeerID(recipient))

	key, err := e.PairKey(recipient)
	if err != nil {
		logger.WithError(err, "derive_pair_key").Warn("Cannot derive pair key")
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	env := &SignedEnvelope{
		From:        e.selfID,
		To:          PeerID(recipient),
		Nonce:       nonce[:],
		TimestampMS: e.timeProvider.Now().UnixMilli(),
	}

	ct, err := EncryptSymmetric(plaintext, nonce, key, env.associatedData())
	if err != nil {
		return nil, err
	}
	env.Ciphertext = ct

	if err := SignEnvelope(env, e.keys); err != nil {
		return nil, err
	}

	logger.WithField("ciphertext_size", len(ct)).Debug("Envelope sealed")
	return env, nil
}

// Open verifies and decrypts an envelope that was sent by or to this node.
// It returns ErrBadSignature when the signature is invalid and ErrAuthFailed
// when the ciphertext does not authenticate under the pair key.
func (e *Engine) Open(env *SignedEnvelope) ([]byte, error) {
	if err := VerifyEnvelope(env); err != nil {
		return nil, err
	}
	if env.Legacy() {
		return nil, fmt.Errorf("%w: legacy envelope", ErrAuthFailed)
	}
	peer, err := e.counterpart(env)
	if err != nil {
		return nil, err
	}

	key, err := e.PairKey(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	nonce, err := NonceFromBytes(env.Nonce)
	if err != nil {
		return nil, err
	}
	return DecryptSymmetric(env.Ciphertext, nonce, key, env.associatedData())
}

// OpenStored opens an envelope read back from local storage. Unlike Open it
// also accepts legacy envelopes, whose payload is recovered with
// LegacyDeobfuscate after the signature has been checked.
func (e *Engine) OpenStored(env *SignedEnvelope) ([]byte, error) {
	if env == nil || !env.Legacy() {
		return e.Open(env)
	}
	if err := VerifyEnvelope(env); err != nil {
		return nil, err
	}
	peer, err := e.counterpart(env)
	if err != nil {
		return nil, err
	}
	return LegacyDeobfuscate(env.Ciphertext, e.keys.Public, peer), nil
}

// counterpart returns the key of the other party to env.
func (e *Engine) counterpart(env *SignedEnvelope) (ed25519.PublicKey, error) {
	id := env.From
	switch {
	case env.From == e.selfID:
		id = env.To
	case env.To != e.selfID:
		return nil, ErrNotAddressed
	}
	peer, err := ParsePeerID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAddressed, err)
	}
	return peer, nil
}

// Receive opens an inbound envelope and rejects replays of envelopes that
// were already accepted.
func (e *Engine) Receive(env *SignedEnvelope) ([]byte, error) {
	plaintext, err := e.Open(env)
	if err != nil {
		return nil, err
	}
	nonce, _ := NonceFromBytes(env.Nonce)
	if !e.replay.CheckAndStore(env.From, nonce) {
		return nil, ErrReplay
	}
	return plaintext, nil
}

// Forget drops the cached pair key for peer.
func (e *Engine) Forget(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.pairKeys[peerID]; ok {
		ZeroBytes(key[:])
		delete(e.pairKeys, peerID)
	}
}

// Close wipes all cached pair keys.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wipeCacheLocked()
	e.replay.Reset()
}

func (e *Engine) wipeCacheLocked() {
	for id, key := range e.pairKeys {
		ZeroBytes(key[:])
		delete(e.pairKeys, id)
	}
}
