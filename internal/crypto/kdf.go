package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/hengadev/keyguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// ScryptParams are the scrypt cost parameters.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams follows the interactive-login recommendation of the
// scrypt paper.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// DeriveMasterKey stretches secret into a 256-bit key with scrypt.
func DeriveMasterKey(secret, salt []byte, params ScryptParams) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	key, err := scrypt.Key(secret, salt, params.N, params.R, params.P, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: scrypt: %w", keyguard.ErrInvalidConfiguration, err)
	}
	return key, nil
}

// DeriveSubkey expands master into an independent 256-bit key bound to info
// using HKDF-SHA256.
func DeriveSubkey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %w", keyguard.ErrEncryptionFailed, err)
	}
	return key, nil
}
