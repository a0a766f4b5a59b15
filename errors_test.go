package keyguard

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"Backend Unavailable", ErrBackendUnavailable, ErrBackendUnavailable},
		{"Key Not Found", ErrKeyNotFound, ErrKeyNotFound},
		{"Authentication Failed", ErrAuthenticationFailed, ErrAuthenticationFailed},
		{"No Active Key", ErrNoActiveKey, ErrNoActiveKey},
		{"Persistence Failure", ErrPersistenceFailure, ErrPersistenceFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.expected)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		isRetryable bool
		isNotFound  bool
		isAuth      bool
		isConfig    bool
		isPersist   bool
		isDecrypt   bool
	}{
		{
			name:        "Backend Unavailable",
			err:         fmt.Errorf("%w: dial tcp: %w", ErrBackendUnavailable, errors.New("refused")),
			isRetryable: true,
		},
		{
			name:       "Key Not Found",
			err:        NewKeyNotFoundError("alias/missing"),
			isNotFound: true,
		},
		{
			name:      "Authentication Failed",
			err:       fmt.Errorf("test: %w", ErrAuthenticationFailed),
			isAuth:    true,
			isDecrypt: true,
		},
		{
			name:     "Invalid Configuration",
			err:      fmt.Errorf("test: %w", ErrInvalidConfiguration),
			isConfig: true,
		},
		{
			name:     "Unsupported Algorithm",
			err:      fmt.Errorf("test: %w", ErrUnsupportedAlgorithm),
			isConfig: true,
		},
		{
			name:      "Persistence Failure",
			err:       fmt.Errorf("test: %w", ErrPersistenceFailure),
			isPersist: true,
		},
		{
			name:      "Field Decryption Failed",
			err:       NewFieldDecryptionError("tax_id", ErrAuthenticationFailed),
			isAuth:    true,
			isDecrypt: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isRetryable, IsRetryableError(tt.err), "IsRetryableError")
			assert.Equal(t, tt.isNotFound, IsKeyNotFound(tt.err), "IsKeyNotFound")
			assert.Equal(t, tt.isAuth, IsAuthError(tt.err), "IsAuthError")
			assert.Equal(t, tt.isConfig, IsConfigurationError(tt.err), "IsConfigurationError")
			assert.Equal(t, tt.isPersist, IsPersistenceError(tt.err), "IsPersistenceError")
			assert.Equal(t, tt.isDecrypt, IsDecryptionError(tt.err), "IsDecryptionError")
		})
	}
}

func TestFieldDecryptionError(t *testing.T) {
	cause := fmt.Errorf("%w: cipher: message authentication failed", ErrAuthenticationFailed)
	err := NewFieldDecryptionError("bank_account_number", cause)

	assert.ErrorIs(t, err, ErrFieldDecryptionFailed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "bank_account_number")

	var fde *FieldDecryptionError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &fde))
	assert.Equal(t, "bank_account_number", fde.Field)
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"field decryption", NewFieldDecryptionError("tax_id", ErrInvalidFormat), PublicDecryptMessage},
		{"authentication", ErrAuthenticationFailed, PublicDecryptMessage},
		{"backend unavailable", fmt.Errorf("%w: timeout", ErrBackendUnavailable), "protected data is temporarily unavailable"},
		{"other", errors.New("boom"), "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PublicMessage(tt.err)
			assert.Equal(t, tt.want, got)
			if tt.err != nil {
				assert.NotContains(t, got, "cipher")
			}
		})
	}
}

func TestNewInvalidFieldTypeError(t *testing.T) {
	err := NewInvalidFieldTypeError("tax_id", "int")
	assert.ErrorIs(t, err, ErrInvalidFieldType)
	assert.Contains(t, err.Error(), "tax_id")
	assert.Contains(t, err.Error(), "int")
}
