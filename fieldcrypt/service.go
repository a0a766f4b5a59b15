// Package fieldcrypt encrypts sensitive database columns.
//
// A single data key, generated on first use and wrapped by the key backend,
// encrypts every field. Each value is stored as the JSON form of
// keyguard.EncryptedData, carrying a fresh IV and the data key id:
//
//	svc, err := fieldcrypt.New(p.KMS, p.Store, fieldcrypt.Config{})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	row, err := svc.EncryptSensitiveFields(ctx, "users", fieldcrypt.Record{
//	    "email":  "jane@example.com",
//	    "tax_id": "123-45-6789",
//	})
package fieldcrypt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/crypto"
	"github.com/hengadev/keyguard/internal/reliability"
)

// Service implements field and record encryption on top of a key backend.
// It is safe for concurrent use.
type Service struct {
	keyID    string
	alg      crypto.Algorithm
	ring     *keyRing
	ciphers  map[crypto.Algorithm]*crypto.DataEncryption
	registry *keyguard.Registry
	logger   *slog.Logger
}

// New validates cfg. The data key is loaded or generated lazily, on the first
// call that needs it.
func New(kms keyguard.KeyManagementService, store keyguard.SecretStore, cfg Config) (*Service, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: key backend is required", keyguard.ErrInvalidConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: secret store is required", keyguard.ErrInvalidConfiguration)
	}
	alg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	retry := reliability.NewRetryExecutor(reliability.NewExponentialBackoffPolicy(reliability.RetryConfig{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: cfg.RetryDelay,
	}))
	logger := cfg.Logger.With("component", "fieldcrypt")
	retry.SetOnRetryCallback(func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying key backend call", "attempt", attempt, "delay", delay, "error", err)
	})
	cfg.Logger = logger

	return &Service{
		keyID: cfg.KeyID,
		alg:   alg,
		ring:  newKeyRing(kms, store, retry, cfg),
		ciphers: map[crypto.Algorithm]*crypto.DataEncryption{
			crypto.AlgorithmGCM: crypto.NewDataEncryption(crypto.AlgorithmGCM),
			crypto.AlgorithmCBC: crypto.NewDataEncryption(crypto.AlgorithmCBC),
		},
		registry: cfg.Registry,
		logger:   logger,
	}, nil
}

// Registry returns the sensitive-field registry in use.
func (s *Service) Registry() *keyguard.Registry {
	return s.registry
}

// EncryptField encrypts value and returns the JSON form of its
// keyguard.EncryptedData. Blank values are returned unchanged.
func (s *Service) EncryptField(ctx context.Context, field, value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return value, nil
	}

	var (
		sealed crypto.Sealed
		keyErr error
	)
	err := s.ring.with(ctx, s.keyID, s.alg, func(dk *dataKey) error {
		if dk.alg != s.alg {
			keyErr = fmt.Errorf("%w: data key '%s' was created for %s, not %s",
				keyguard.ErrInvalidConfiguration, dk.id, dk.alg, s.alg)
			return keyErr
		}
		var err error
		if sealed, err = s.ciphers[dk.alg].EncryptData(dk.key, []byte(value), nil); err != nil {
			keyErr = fmt.Errorf("field '%s': %w", field, err)
			return keyErr
		}
		return nil
	})
	switch {
	case keyErr != nil:
		return "", keyErr
	case err != nil:
		return "", fmt.Errorf("%w: field '%s': %w", keyguard.ErrEncryptionFailed, field, err)
	}
	return keyguard.NewEncryptedData(s.keyID, sealed.Ciphertext, sealed.IV, sealed.Tag).Marshal()
}

// DecryptField reverses EncryptField. Blank values are returned unchanged.
// Any other value that cannot be decrypted fails with a
// *keyguard.FieldDecryptionError naming field; plaintext is never returned
// in place of a failed decryption.
func (s *Service) DecryptField(ctx context.Context, field, stored string) (string, error) {
	if strings.TrimSpace(stored) == "" {
		return stored, nil
	}

	d, ok := keyguard.ParseEncryptedData(stored)
	if !ok {
		return "", keyguard.NewFieldDecryptionError(field, fmt.Errorf("%w: value is not encrypted data", keyguard.ErrInvalidFormat))
	}
	ciphertext, iv, tag, err := d.Decode()
	if err != nil {
		return "", keyguard.NewFieldDecryptionError(field, err)
	}

	var (
		plaintext []byte
		openErr   error
	)
	err = s.ring.with(ctx, d.KeyID, "", func(dk *dataKey) error {
		plaintext, openErr = s.ciphers[dk.alg].DecryptData(dk.key, crypto.Sealed{Ciphertext: ciphertext, IV: iv, Tag: tag}, nil)
		return openErr
	})
	if openErr != nil {
		s.logger.WarnContext(ctx, "field decryption failed", "field", field, "key_id", d.KeyID)
	}
	if err != nil {
		return "", keyguard.NewFieldDecryptionError(field, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value is a stored keyguard.EncryptedData.
func (s *Service) IsEncrypted(value string) bool {
	return keyguard.IsEncrypted(value)
}

// Rewrap wraps the data key under the master key named by alias, generating
// that key if needed, and returns its id. Encrypted rows stay valid.
func (s *Service) Rewrap(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: master key alias is required", keyguard.ErrInvalidConfiguration)
	}
	return s.ring.rewrap(ctx, s.keyID, alias)
}

// Close zeroes cached data keys. Later calls fail with ErrClosed.
func (s *Service) Close() error {
	s.ring.close()
	return nil
}
