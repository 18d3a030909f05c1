// Package wichain implements a serverless chat node for a local network.
//
// Nodes find each other with UDP presence broadcasts, exchange signed and
// encrypted envelopes over an authenticated stream when one can be set up
// and over plain datagrams otherwise, and log every message they send or
// receive in a local hash-chained ledger. Each peer carries a trust score that
// rises with valid traffic, drops on verification failures and decays while
// the peer is silent. Groups have deterministic ids derived from their member
// set and are delivered by pairwise fan-out.
//
// # Getting Started
//
//	options := wichain.NewOptions()
//	options.DataDir = "/var/lib/wichain"
//	options.Observer = myObserver
//
//	node, err := wichain.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, p := range node.GetPeers() {
//	    report, err := node.AddPeerMessage(ctx, "hello", p.PeerID, nil)
//	    ...
//	}
//
// # Core Types
//
//   - [Node]: the facade over every subsystem
//   - [Options]: configuration, loadable from YAML with [LoadOptions]
//   - [Observer]: receives peer, chat, group and identity notifications
//   - [SendReport]: per-recipient outcome of a send
//   - [NetworkStatus]: per-peer connection type and round-trip time
//
// # Subpackages
//
//   - crypto: keys, pair-key derivation, AEAD and signed envelopes
//   - identity: the persisted node identity and alias
//   - discovery: presence records, the peer directory and the broadcaster
//   - transport: datagram and stream channels and the connection manager
//   - noise: the handshake securing stream connections
//   - ledger: the hash-chained message log
//   - trust: per-peer trust scores
//   - group: group ids, the group registry and fan-out
//   - messaging: message content and chat history
//   - limits: size limits shared by every layer
//
// # Local State
//
// Everything persisted lives under Options.DataDir and is never shared:
// identity.json (or identity.enc with a passphrase), ledger.jsonl and
// peers.json.
package wichain
