package contentid

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Hash computes the content identifier for a byte sequence. Identical bytes
// always map to the same identifier, which is what makes hash -> bytes
// bundles deduplicate naturally.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is a convenience wrapper around Hash for text content.
func HashString(s string) string {
	return Hash([]byte(s))
}

// Fingerprint derives a single stable identifier from a path -> hash mapping.
// The result is independent of map iteration order and does not include any
// timestamp, so it can be used as a cache key that survives re-exports.
func Fingerprint(pathHashes map[string]string) string {
	paths := make([]string, 0, len(pathHashes))
	for p := range pathHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteByte(0)
		sb.WriteString(pathHashes[p])
		sb.WriteByte('\n')
	}

	return Hash([]byte(sb.String()))
}
