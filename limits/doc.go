// Package limits provides centralized size constants and validation functions
// for wichain. It keeps size enforcement consistent between the components that
// accept untrusted input.
//
// # Size Hierarchy
//
//   - MaxPresenceRecord (2KB): a discovery broadcast record.
//   - MaxTextMessage (16KB): the text part of a chat message.
//   - MaxDatagram (60KB): the largest packet sent over the unreliable fallback channel.
//   - MaxAttachment (512KB): one opaque attachment payload.
//   - MaxStreamPacket (1MB): the largest packet reassembled from a stream connection.
//   - MaxProcessingBuffer (2MB): the absolute maximum for any operation.
//
// A message that fits a stream connection but not a datagram can only be
// delivered while a stream connection to the peer can be established.
//
// # Aliases
//
// NormalizeAlias trims an alias and rejects empty, whitespace-only, overlong or
// invalid UTF-8 input:
//
//	alias, err := limits.NormalizeAlias("  alice ")
//	// alias == "alice"
package limits
