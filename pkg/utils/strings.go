// Package utils provides small string helpers shared by the CLI and the
// caches.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ============================================================================
// Truncation
// ============================================================================

// Truncate truncates a string to length runes, ending in "..."
func Truncate(s string, length int) string {
	return TruncateWithSuffix(s, length, "...")
}

// TruncateWithSuffix truncates a string with a custom suffix
func TruncateWithSuffix(s string, length int, suffix string) string {
	if length <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= length {
		return s
	}

	suffixLen := len([]rune(suffix))
	if length <= suffixLen {
		return string(runes[:length])
	}

	return string(runes[:length-suffixLen]) + suffix
}

// OneLine escapes line breaks so s prints on a single line
func OneLine(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}

// ============================================================================
// Hashing
// ============================================================================

// SHA256Hash computes the hex SHA-256 digest of data
func SHA256Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// SHA256HashString computes the hex SHA-256 digest of s
func SHA256HashString(s string) string {
	return SHA256Hash([]byte(s))
}
