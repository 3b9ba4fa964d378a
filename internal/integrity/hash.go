// Package integrity derives content digests and turns a digest comparison plus
// a ledger lookup into a verification verdict.
package integrity

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/rxtrust/rxtrust/internal/platform/ledger"
)

// Digest is a Keccak-256 hash rendered as "0x" followed by 64 lowercase hex digits.
type Digest string

// Sum hashes b with legacy Keccak-256, the variant used by EVM ledgers.
func Sum(b []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return Digest("0x" + hex.EncodeToString(h.Sum(nil)))
}

func (d Digest) String() string { return string(d) }

// Equal compares two digests ignoring hex case.
func (d Digest) Equal(other string) bool {
	return strings.EqualFold(string(d), other)
}

// Valid reports whether s looks like a rendered digest.
func Valid(s string) bool {
	_, ok := ledger.DigestBytes32(s)
	return ok && strings.HasPrefix(strings.ToLower(s), "0x")
}
