// Package noise provides the Noise IK handshake that secures wichain stream
// connections, built on the flynn/noise library with Curve25519,
// ChaCha20-Poly1305 and SHA-256.
//
// The initiator learns the responder's identity from discovery, so IK fits:
// the first message already authenticates the initiator to a known responder.
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e, es, s, ss  (payload: Ed25519 public key)
//	                                       <- e, ee, se  (payload: Ed25519 public key)
//	[session established]
//
// Both Noise static keys are the X25519 forms of the peers' Ed25519 identity
// keys. Each side checks that the Ed25519 key sent as payload converts to the
// static key the other side proved, which ties the encrypted session to a peer
// id without a separate signature.
//
// Example usage:
//
//	ik, err := noise.NewIKHandshake(myKeys, peerPublicKey, noise.Initiator)
//	if err != nil {
//	    return err
//	}
//	msg, _, err := ik.WriteMessage(nil)
//	// Send msg to peer, receive response...
//	if _, err := ik.ReadMessage(response); err != nil {
//	    return err
//	}
//	send, recv, _ := ik.GetCipherStates()
package noise
