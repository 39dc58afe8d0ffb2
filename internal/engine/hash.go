package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash computes the canonical content hash of a row snapshot. The
// snapshot is serialized as JSON, which orders map keys lexicographically at
// every nesting level, so the hash is invariant under key-order permutations.
// Records with equal primary key and equal hash are idempotent duplicates and
// are never treated as conflicting.
func ContentHash(data map[string]any) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize row data: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustContentHash is ContentHash for snapshots already known to be
// serializable (plain scalar column values). It panics on marshal failure.
func MustContentHash(data map[string]any) string {
	h, err := ContentHash(data)
	if err != nil {
		panic(err)
	}
	return h
}
