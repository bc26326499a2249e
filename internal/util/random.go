// Package util provides small helpers shared across CRMPipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a new record ID in the format "{prefix}{uuid}".
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// ConversationKey builds the dedupe key used for per-conversation jobs of a kind.
func ConversationKey(kind, conversationID string) string {
	return kind + ":" + conversationID
}
