package fieldcrypt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/crypto"
)

const (
	DefaultAlgorithm     = "aes-256-gcm"
	DefaultKeyID         = "database-encryption-key"
	DefaultKeySize       = 32
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 100 * time.Millisecond
)

// Config holds the fixed identity of the shared data key. It does not depend
// on the sensitive-field registry: every table and field uses the same key.
type Config struct {
	// Algorithm is "aes-256-gcm" (default) or "aes-256-cbc".
	Algorithm string

	// KeyID names the data key. Default: database-encryption-key
	KeyID string

	// KeySize is the data key length in bytes. Only 32 is accepted.
	KeySize int

	// MasterKeyAlias names the backend key wrapping the data key.
	// Default: keyguard-master
	MasterKeyAlias string

	// RetryAttempts bounds calls to the backend when it is unavailable,
	// including the first attempt. RetryDelay is the initial backoff.
	RetryAttempts int
	RetryDelay    time.Duration

	// Registry defaults to keyguard.DefaultRegistry().
	Registry *keyguard.Registry

	Logger *slog.Logger
	Clock  clock.Clock
}

func (c *Config) validate() (crypto.Algorithm, error) {
	alg, err := crypto.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return "", err
	}
	c.Algorithm = string(alg)

	if c.KeyID == "" {
		c.KeyID = DefaultKeyID
	}
	if c.KeySize == 0 {
		c.KeySize = DefaultKeySize
	}
	if c.KeySize != crypto.KeySize {
		return "", fmt.Errorf("%w: %s requires a %d-byte key, got %d", keyguard.ErrInvalidConfiguration, alg, crypto.KeySize, c.KeySize)
	}
	if c.MasterKeyAlias == "" {
		c.MasterKeyAlias = keyguard.DefaultMasterKeyAlias
	}
	if c.RetryAttempts < 0 {
		return "", fmt.Errorf("%w: RetryAttempts must not be negative", keyguard.ErrInvalidConfiguration)
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Registry == nil {
		c.Registry = keyguard.DefaultRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystemClock()
	}
	return alg, nil
}
