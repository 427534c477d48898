// Package cache maps a deterministic fingerprint of a request's semantic
// inputs to a previously computed completion, stored in Redis under a TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyPrefix namespaces all response-cache keys in the store.
const KeyPrefix = "cache:"

// Fingerprint returns the hex digest identifying a request's semantic
// inputs. Temperature is serialized with fixed precision so float noise
// cannot split equivalent requests. The user is deliberately excluded:
// the cache is shared across users to maximize deduplication.
func Fingerprint(prompt, model string, temperature float64, maxTokens int) string {
	canonical := fmt.Sprintf("%s|%s|%.3f|%d", prompt, model, temperature, maxTokens)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Key returns the store key for a fingerprint.
func Key(fingerprint string) string {
	return KeyPrefix + fingerprint
}
