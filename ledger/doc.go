// Package ledger keeps the local, append-only, hash-chained history of
// every envelope a node sent or accepted.
//
// A ledger starts from a fixed genesis block. Each appended Block carries
// one or more SignedEnvelopes, the hash of its predecessor and its own
// SHA-256 hash over a canonical binary encoding:
//
//	"wichain/block/v1" | index u64 | timestamp_ms i64 | prev_hash |
//	count u32 | (signing bytes | signature)...
//
// Blocks are persisted as JSON lines and fsynced after every append. On
// Open the whole chain is deep validated (hashes, links and embedded
// signatures). A failure is reported as *IntegrityError and the ledger is
// blocked: reads keep working for diagnostics but Append returns
// ErrBlocked until Reset is called. History is never truncated silently.
//
// Ledgers are local only. Nodes never merge or reconcile their chains.
//
// Concurrent producers should go through an Appender, the single writer
// that coalesces submissions arriving within a short window into one block.
package ledger
