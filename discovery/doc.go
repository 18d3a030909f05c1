// Package discovery finds peers on the local subnet.
//
// Every node periodically broadcasts a presence record
//
//	{"public_key": "<hex>", "alias": "...", "stream_port": 41234, "protocol_version": "1.0"}
//
// over the shared datagram socket. Receivers upsert a Directory keyed by the
// sender's public key, so duplicate or reordered records never create a
// second entry. A sweeper running on its own timer evicts peers that have
// been silent for longer than the staleness threshold.
//
// The Directory implements interfaces.IPeerResolver and is what the
// connection manager consults to reach a peer:
//
//	dir := discovery.NewDirectory()
//	svc, err := discovery.NewService(discovery.Config{
//	    Keys:      keys,
//	    Transport: udp,
//	    Directory: dir,
//	    Alias:     func() string { return "alice" },
//	})
//	svc.OnPeerAdded(func(p discovery.PeerRecord) { fmt.Println("hello", p.Alias) })
//	err = svc.Start(ctx)
//
// Malformed presence packets are dropped. Failing to bind the discovery
// socket, or a broadcast round in which every target fails, is fatal to the
// service and reported through *Error.
package discovery
