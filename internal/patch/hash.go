package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainSnapshot is the domain prefix for snapshot content hashes.
// The version suffix enables future algorithm migration.
const DomainSnapshot = "statesync/snapshot/v1"

// HashSnapshot computes the content hash of a snapshot: SHA-256 over the
// domain prefix, a null separator, and the canonical JSON bytes.
//
// Clients send this hash on reconnect so the resolver can detect silent
// divergence even when the version numbers agree.
func HashSnapshot(s Snapshot) (string, error) {
	canonical, err := MarshalCanonical(s)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainSnapshot))
	h.Write([]byte{0x00}) // separator prevents domain/data boundary ambiguity
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustHashSnapshot is like HashSnapshot but panics on error.
// Use only in tests or when the snapshot is known to be canonicalizable.
func MustHashSnapshot(s Snapshot) string {
	hash, err := HashSnapshot(s)
	if err != nil {
		panic(err)
	}
	return hash
}
