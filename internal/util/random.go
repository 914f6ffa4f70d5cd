// Package util provides id generation and environment parsing helpers shared across TicketPipe.
package util

import (
	"math/rand/v2"
	"strings"
)

// OutboxIDPrefix prefixes the ids of outbox rows.
const OutboxIDPrefix = "outbox_"

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// It is not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}
	return builder.String()
}

// GenerateOutboxID generates the id of a new outbox row.
func GenerateOutboxID() string {
	return GenerateRandomID(OutboxIDPrefix, 32)
}
