package crypto

import (
	"context"
	"fmt"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/security"
)

// DEKOperations wraps and unwraps data encryption keys under a backend key.
type DEKOperations struct {
	kms keyguard.KeyManagementService
}

// NewDEKOperations creates a new DEKOperations instance
func NewDEKOperations(kms keyguard.KeyManagementService) *DEKOperations {
	return &DEKOperations{kms: kms}
}

// GenerateDEK generates a new Data Encryption Key.
func (d *DEKOperations) GenerateDEK(size int) ([]byte, error) {
	dek, err := security.GenerateSecureKey(size)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate DEK: %w", keyguard.ErrEncryptionFailed, err)
	}
	return dek, nil
}

// WrapDEK encrypts dek under the backend key keyID. Backend errors keep their
// taxonomy so callers can retry BackendUnavailable.
func (d *DEKOperations) WrapDEK(ctx context.Context, keyID string, dek []byte) ([]byte, error) {
	wrapped, err := d.kms.Encrypt(ctx, keyID, dek)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK under '%s': %w", keyID, err)
	}
	return wrapped, nil
}

// UnwrapDEK decrypts a DEK previously returned by WrapDEK.
func (d *DEKOperations) UnwrapDEK(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	dek, err := d.kms.Decrypt(ctx, keyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap DEK under '%s': %w", keyID, err)
	}
	return dek, nil
}
