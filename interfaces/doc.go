// Package interfaces defines the narrow abstractions that connect wichain
// components without import cycles.
//
// [IPeerResolver] lets the transport layer look up where a peer can be
// reached without depending on the discovery package:
//
//	resolver := interfaces.StaticResolver{
//	    peerID: {PeerID: peerID, PublicKey: pub, DatagramAddr: addr, StreamPort: 7000},
//	}
//	ep, ok := resolver.ResolvePeer(peerID)
//	if ok {
//	    fmt.Println(ep.StreamAddr())
//	}
//
// # Thread Safety
//
// All implementations of these interfaces must be safe for concurrent use.
// StaticResolver is read-only after construction.
package interfaces
