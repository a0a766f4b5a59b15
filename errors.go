package keyguard

import (
	"errors"
	"fmt"
)

var (
	// Backend errors
	ErrBackendUnavailable   = errors.New("key backend unavailable")
	ErrKeyNotFound          = errors.New("key not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Operation errors
	ErrEncryptionFailed      = errors.New("encryption failed")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrFieldDecryptionFailed = errors.New("field decryption failed")
	ErrInvalidFieldType      = errors.New("invalid field type")
	ErrInvalidFormat         = errors.New("invalid format")

	// Signing key errors
	ErrNoActiveKey          = errors.New("no active signing key")
	ErrRotationInProgress   = errors.New("key rotation already in progress")
	ErrManagerDestroyed     = errors.New("signing key manager destroyed")
	ErrPersistenceFailure   = errors.New("key persistence failed")
	ErrSecretNotFound       = errors.New("secret not found")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// PublicDecryptMessage is the only text user-facing surfaces should show when
// protected data cannot be revealed.
const PublicDecryptMessage = "unable to decrypt protected data"

// FieldDecryptionError reports which logical field failed to decrypt. It
// matches both ErrFieldDecryptionFailed and its cause with errors.Is.
type FieldDecryptionError struct {
	Field string
	Err   error
}

func (e *FieldDecryptionError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", ErrFieldDecryptionFailed, e.Field, e.Err)
}

func (e *FieldDecryptionError) Unwrap() []error {
	return []error{ErrFieldDecryptionFailed, e.Err}
}

func NewFieldDecryptionError(fieldName string, err error) error {
	return &FieldDecryptionError{Field: fieldName, Err: err}
}

func NewInvalidFieldTypeError(fieldName string, actualType string) error {
	return fmt.Errorf("%w: '%s' must be a string to be encrypted, got %s", ErrInvalidFieldType, fieldName, actualType)
}

func NewKeyNotFoundError(keyID string) error {
	return fmt.Errorf("%w: '%s'", ErrKeyNotFound, keyID)
}

// IsRetryableError returns true if the error represents a transient failure that might succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsKeyNotFound returns true if the referenced key is unknown, disabled or scheduled for deletion.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsAuthError returns true if ciphertext failed integrity verification.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsConfigurationError returns true if the error represents a configuration problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrUnsupportedAlgorithm)
}

// IsPersistenceError returns true if key material could not be stored or loaded.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}

// IsDecryptionError returns true for every error class that means protected
// data could not be revealed.
func IsDecryptionError(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrFieldDecryptionFailed) ||
		errors.Is(err, ErrAuthenticationFailed)
}

// PublicMessage maps an error to text that is safe to show to end users.
// Cryptographic internals are never exposed.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDecryptionError(err):
		return PublicDecryptMessage
	case IsRetryableError(err):
		return "protected data is temporarily unavailable"
	default:
		return "internal error"
	}
}
