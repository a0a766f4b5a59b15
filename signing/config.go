package signing

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"log/slog"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/monitoring"
)

// Algorithm is the HMAC digest a signing key is used with.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

func (a Algorithm) hash() (func() hash.Hash, error) {
	switch a {
	case HS256:
		return sha256.New, nil
	case HS384:
		return sha512.New384, nil
	case HS512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", keyguard.ErrUnsupportedAlgorithm, string(a))
	}
}

// Defaults applied by Config.validate.
const (
	DefaultKeyPrefix        = "jwt_key_"
	DefaultKeySize          = 32
	DefaultAlgorithm        = HS256
	DefaultRotationInterval = 24 * time.Hour
	DefaultMaxActiveKeys    = 3
	DefaultRetentionPeriod  = 7 * 24 * time.Hour
	DefaultEnvPrefix        = "JWT_KEY_"

	minKeySize = 16
)

// Config parameterizes a Manager. The zero value is usable in development.
type Config struct {
	// KeyPrefix starts every key id.
	//
	// Optional field. Default: jwt_key_
	KeyPrefix string

	// KeySize is the key length in bytes, at least 16.
	//
	// Optional field. Default: 32
	KeySize int

	// Algorithm is the digest for newly generated keys. Loaded keys keep
	// the algorithm they were created with.
	//
	// Optional field. Default: HS256
	Algorithm Algorithm

	// RotationInterval is both the rotation period and the age at which an
	// active key is deactivated.
	//
	// Optional field. Default: 24h
	RotationInterval time.Duration

	// MaxActiveKeys bounds the number of active keys after any generation
	// or rotation. The oldest non-current keys are evicted first.
	//
	// Optional field. Default: 3
	MaxActiveKeys int

	// RetentionPeriod is how long a deactivated key keeps verifying
	// signatures before it is purged from memory and storage.
	//
	// Optional field. Default: 7 days
	RetentionPeriod time.Duration

	// MasterKeyAlias names the backend key that encrypts persisted key bytes.
	//
	// Optional field. Default: keyguard-master
	MasterKeyAlias string

	// EnvPrefix prefixes the environment variables read as the fallback
	// key source, one per key id.
	//
	// Optional field. Default: JWT_KEY_
	EnvPrefix string

	// Production makes persistence failures fatal and requires a backend.
	Production bool

	// PersistToEnv also writes keys to the process environment. Refused in
	// production.
	PersistToEnv bool

	Hook   monitoring.ObservabilityHook
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) validate(hasBackend bool) error {
	if c.KeySize != 0 && c.KeySize < minKeySize {
		return fmt.Errorf("%w: KeySize must be at least %d bytes", keyguard.ErrInvalidConfiguration, minKeySize)
	}
	if c.RotationInterval < 0 || c.RetentionPeriod < 0 {
		return fmt.Errorf("%w: RotationInterval and RetentionPeriod must not be negative", keyguard.ErrInvalidConfiguration)
	}
	if c.MaxActiveKeys < 0 {
		return fmt.Errorf("%w: MaxActiveKeys must not be negative", keyguard.ErrInvalidConfiguration)
	}
	if c.Production && c.PersistToEnv {
		return fmt.Errorf("%w: signing keys cannot be written to the environment in production", keyguard.ErrInvalidConfiguration)
	}
	if c.Production && !hasBackend {
		return fmt.Errorf("%w: a key backend and secret store are required in production", keyguard.ErrInvalidConfiguration)
	}

	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if _, err := c.Algorithm.hash(); err != nil {
		return fmt.Errorf("%w: %w", keyguard.ErrInvalidConfiguration, err)
	}

	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.KeySize == 0 {
		c.KeySize = DefaultKeySize
	}
	if c.RotationInterval == 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.MaxActiveKeys == 0 {
		c.MaxActiveKeys = DefaultMaxActiveKeys
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.MasterKeyAlias == "" {
		c.MasterKeyAlias = keyguard.DefaultMasterKeyAlias
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = DefaultEnvPrefix
	}
	if c.Hook == nil {
		c.Hook = &monitoring.NoOpObservabilityHook{}
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
