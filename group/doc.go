// Package group resolves deterministic group identifiers and fans group
// messages out to members.
//
// A group id depends only on the membership set:
//
//	id := group.ID([]string{bob, alice, alice})
//	id == group.ID([]string{alice, bob}) // true
//
// There is no group-wide key. A group send seals one envelope per recipient
// with the same pairwise key used for direct messages and delivers them
// independently through FanOut, so one unreachable member never affects the
// others.
//
// Groups live in a session-scoped Registry and are not persisted. Ledger
// entries already written for group traffic outlive them.
package group
