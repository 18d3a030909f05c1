// Package crypto implements the cryptographic engine of a wichain node.
//
// Every node owns one long-term Ed25519 identity. The same key signs outgoing
// envelopes and, converted to its X25519 form, feeds the per-pair key
// agreement that protects message payloads.
//
// # Core Types
//
//   - [KeyPair]: Ed25519 identity key pair. Its hex encoded public key is the peer id.
//   - [Nonce]: 24-byte random XChaCha20-Poly1305 nonce, fresh for every message.
//   - [SignedEnvelope]: the signed body exchanged between peers.
//   - [Engine]: per-node facade that seals and opens envelopes.
//
// # Pair Keys
//
// Two peers share one symmetric key derived from their X25519 agreement and
// both public keys in sorted order:
//
//	key, _ := crypto.DerivePairKey(myKeys, peerPublicKey)
//
// DerivePairKey(A, B.Public) equals DerivePairKey(B, A.Public), so either side
// can initiate.
//
// # Envelopes
//
//	engine := crypto.NewEngine(myKeys)
//	env, _ := engine.Seal(peerPublicKey, plaintext)
//	// ... on the peer
//	plaintext, err := peerEngine.Receive(env)
//	if errors.Is(err, crypto.ErrBadSignature) || errors.Is(err, crypto.ErrAuthFailed) {
//	    // drop and penalize the sender
//	}
//
// The signature covers [SignedEnvelope.SigningBytes], a length-prefixed
// canonical encoding of sender, recipient, ciphertext, nonce and timestamp.
// The routing fields are also bound to the ciphertext as associated data.
//
// # Legacy Payloads
//
// [LegacyDeobfuscate] reads payloads written by early releases that used a
// reversible SHA3-512 keystream. Such envelopes carry no nonce
// ([SignedEnvelope.Legacy]). [Engine.OpenStored] accepts them when history is
// rebuilt from the ledger, while [Engine.Open] and [Engine.Receive] reject
// them with ErrAuthFailed. New messages are never obfuscated.
//
// # Key Storage
//
// [EncryptedKeyStore] keeps secret files encrypted at rest under a
// PBKDF2-derived key. [WriteFileAtomic] is the synced temp-file-and-rename
// writer used for all persisted node state.
//
// # Deterministic Testing
//
// Time-dependent components accept a [TimeProvider]:
//
//	clock := crypto.NewMockTimeProvider(time.Unix(1000, 0))
//	engine := crypto.NewEngineWithTimeProvider(keys, clock)
//	clock.Advance(time.Minute)
//
// # Thread Safety
//
// Engine, ReplayGuard and MockTimeProvider are safe for concurrent use.
// Pure functions (encryption, decryption, signing) are inherently thread-safe.
package crypto
