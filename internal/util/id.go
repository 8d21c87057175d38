package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID string for persisted rows.
func NewID() string {
	return uuid.NewString()
}

// IsUUID reports whether value parses as a UUID.
func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// NewToken returns an opaque random token, optionally prefixed.
func NewToken(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
