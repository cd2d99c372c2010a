package casemill

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time as Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// SenderHash derives a stable 16-hex opaque id from a sender identity.
// Raw sender identifiers never reach storage or the LLM.
func SenderHash(sender string) string {
	sum := sha256.Sum256([]byte(sender))
	return hex.EncodeToString(sum[:8])
}
