// Package transport implements the network transport layer of a wichain node.
//
// It carries packets over a shared datagram socket and over pooled,
// Noise-secured stream connections, choosing the best channel per peer.
//
// # Packets
//
// Every unit on the wire is a [Packet]: one type byte followed by the body.
// Presence records, wire envelopes (DirectBlock, GroupBlock) and Ping/Pong
// probes share the same codec on both channels.
//
//	data, _ := packet.Serialize()
//	p, err := transport.ParsePacket(data)
//
// # Channels
//
// [UDPTransport] is the datagram channel. It is bound once per node and
// shared with discovery, so presence and fallback messages use one port.
// Packets above [limits.MaxDatagram] are refused.
//
// A [StreamNetwork] provides the reliable channel. [TCPNetwork] is the
// default; [QUICNetwork] runs streams over QUIC with a self-signed
// certificate. Either way the stream is wrapped in a [SecureConn], which
// runs a Noise IK handshake bound to both Ed25519 identities and then
// carries length-prefixed encrypted frames, fragmenting packets that do
// not fit one frame.
//
// # Connection Manager
//
// [Manager] keeps one entry per peer, each with its own lock:
//
//	unknown -> discovered -> stream_requested -> stream_established
//	                ^                 |                  |
//	                +-----------------+------------------+  (timeout, error, idle)
//
// Send uses the pooled stream if one is alive, otherwise dials with
// ManagerConfig.ConnectTimeout, and falls back to the datagram channel when
// the dial or write fails. The channel actually used is returned so callers
// can report it. Inbound streams are adopted into the pool after the
// handshake identifies the peer. Idle streams are closed by a reaper.
//
//	m, err := transport.NewManager(transport.ManagerConfig{
//	    Keys:       keys,
//	    Datagram:   udp,
//	    Network:    transport.NewTCPNetwork(),
//	    Resolver:   directory,
//	    ListenAddr: "0.0.0.0:0",
//	})
//	ct, err := m.Send(ctx, peerID, packet)
//
// # Errors
//
// Failures are reported as [*Error] carrying the operation and peer id and
// wrapping one of [ErrUnknownPeer], [ErrConnectTimeout], [ErrStreamClosed],
// [ErrPayloadTooLarge] or [ErrTransportClosed].
package transport
