package group

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/opd-ai/wichain/crypto"
)

const idPrefix = "gid|"

var (
	// ErrTooFewMembers is returned for groups with fewer than two members.
	ErrTooFewMembers = errors.New("group needs at least two distinct members")
	// ErrInvalidMember is returned for member ids that are not peer ids.
	ErrInvalidMember = errors.New("invalid group member")
	// ErrIDMismatch is returned when a claimed id does not match its members.
	ErrIDMismatch = errors.New("group id does not match members")
	// ErrNotMember is returned when the local node is not in the group.
	ErrNotMember = errors.New("not a member of the group")
	// ErrUnknownGroup is returned for ids not in the registry.
	ErrUnknownGroup = errors.New("unknown group")
)

// Canonical returns the sorted, de-duplicated member list.
func Canonical(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.ToLower(strings.TrimSpace(m))
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ID returns the hex SHA3-256 of the canonical member list, so the same
// membership yields the same id regardless of order or duplicates.
func ID(members []string) string {
	sum := sha3.Sum256([]byte(idPrefix + strings.Join(Canonical(members), "|")))
	return hex.EncodeToString(sum[:])
}

// Validate returns the canonical member list after checking every member
// is a peer id and at least two remain.
func Validate(members []string) ([]string, error) {
	canon := Canonical(members)
	for _, m := range canon {
		if _, err := crypto.ParsePeerID(m); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidMember, crypto.ShortID(m), err)
		}
	}
	if len(canon) < 2 {
		return nil, ErrTooFewMembers
	}
	return canon, nil
}
