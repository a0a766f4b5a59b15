package security

import (
	"crypto/rand"
	"fmt"
)

// GenerateSecureKey returns a fresh symmetric key. Only AES-compatible and
// HMAC-friendly sizes of at least 16 bytes are accepted.
func GenerateSecureKey(keySize int) ([]byte, error) {
	if keySize < 16 {
		return nil, fmt.Errorf("key size must be at least 16 bytes, got %d", keySize)
	}
	b := make([]byte, keySize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read secure random bytes: %w", err)
	}
	return b, nil
}
