package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// BulkKeySorted returns a deterministic composite key for already sorted,
// de-duplicated members: prefix + ":" + first 16 hex chars of sha256(joined).
func BulkKeySorted(prefix string, sortedKeys []string) string {
	h := sha256.New()
	for i, k := range sortedKeys {
		if i > 0 {
			h.Write([]byte{0}) // NUL cannot appear ambiguously between members
		}
		h.Write([]byte(k))
	}
	sum := h.Sum(nil)
	var b strings.Builder
	b.Grow(len(prefix) + 1 + 16)
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String()
}
