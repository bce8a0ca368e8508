// Package idgen generates opaque identifiers for transactions,
// intervention items, and treasury authorizations.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes), e.g.
// WithPrefix("txn_") -> "txn_3f8a...". Panics if the system entropy
// source fails.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
