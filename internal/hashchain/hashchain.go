// Package hashchain computes canonical hashes for ledger records and
// validates chain linkage. Everything here is a pure function over its
// inputs; persistence and ordering belong to the stores.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenesisHash is the sentinel previous-hash for the first record in a chain.
// 64 zero nibbles can never collide with a real SHA-256 digest of anything
// this package produces, so genesis links are always distinguishable.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash derives the chain hash for a record: SHA-256 over the
// canonical serialization of payload concatenated with previousHash. The
// payload must exclude volatile fields (the computed hash and signature
// themselves).
func ComputeHash(payload interface{}, previousHash string) (string, error) {
	canonical, err := StableJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("|"))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes digests raw byte parts. Used for event self-hashes, which chain
// independently from fiscal records.
func HashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsWellFormed reports whether s looks like a hex SHA-256 digest or the
// genesis constant.
func IsWellFormed(s string) bool {
	if len(s) != 64 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) == -1
}

// Link is one chain element as seen by verification. Payload is nil for
// tombstones of deleted provisional records; those verify linkage only,
// since their payload was legally removed while the link itself survives.
type Link struct {
	HashCurrent  string
	HashPrevious string
	Payload      interface{}
}

// BrokenLinkError reports the first chain index that failed verification.
type BrokenLinkError struct {
	Index  int
	Reason string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("chain broken at index %d: %s", e.Index, e.Reason)
}

// VerifyLink recomputes a link's hash from its payload and previous hash and
// checks both the stored hash and the expected predecessor. Payload-less
// tombstones skip recomputation.
func VerifyLink(link Link, expectedPrevious string) error {
	if link.HashPrevious != expectedPrevious {
		return fmt.Errorf("previous hash mismatch: have %s, want %s", link.HashPrevious, expectedPrevious)
	}
	if link.Payload == nil {
		if !IsWellFormed(link.HashCurrent) {
			return fmt.Errorf("malformed tombstone hash %q", link.HashCurrent)
		}
		return nil
	}
	computed, err := ComputeHash(link.Payload, link.HashPrevious)
	if err != nil {
		return err
	}
	if computed != link.HashCurrent {
		return fmt.Errorf("hash mismatch: stored %s, recomputed %s", link.HashCurrent, computed)
	}
	return nil
}

// VerifyChain walks links in chain order, starting from genesis, and returns
// a BrokenLinkError for the first element that fails. An empty chain is
// trivially valid.
func VerifyChain(links []Link) error {
	expected := GenesisHash
	for i, link := range links {
		if err := VerifyLink(link, expected); err != nil {
			return &BrokenLinkError{Index: i, Reason: err.Error()}
		}
		expected = link.HashCurrent
	}
	return nil
}
