package keyguard

import (
	"context"
	"errors"
	"fmt"
)

// EnsureKey returns the id of the key addressed by alias, generating it when
// the backend does not know the alias yet. It is how master keys are
// bootstrapped on first start.
func EnsureKey(ctx context.Context, kms KeyManagementService, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias is required", ErrInvalidConfiguration)
	}

	meta, err := kms.DescribeKey(ctx, alias)
	if err == nil {
		if !meta.KeyState.Usable() {
			return "", fmt.Errorf("%w: '%s' is %s", ErrKeyNotFound, alias, meta.KeyState)
		}
		return meta.KeyID, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	keyID, err := kms.GenerateKey(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("failed to generate key for alias '%s': %w", alias, err)
	}
	return keyID, nil
}
