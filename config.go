package keyguard

import (
	"fmt"
	"time"
)

// Config selects and parameterizes the key backend for one process.
//
// This struct contains only data, no behavior. Configuration can be loaded from
// any source (environment variables, files, code, etc.) and passed explicitly to
// providers.Open.
//
// Exactly one backend is selected per process:
//   - BackendAWS / BackendGCP: cloud KMS
//   - BackendVault: Vault Transit
//   - BackendLocal (or empty): local fallback, refused when Production is set
//
// Example usage:
//
//	cfg := keyguard.Config{
//	    Backend:   keyguard.BackendVault,
//	    Production: true,
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := providers.Open(ctx, cfg)
type Config struct {
	// Backend is the backend family. Empty means local.
	Backend BackendKind

	// Production forbids the local backend and makes signing-key persistence
	// failures fatal.
	Production bool

	// MasterKeyAlias names the backend key that wraps data keys and signing keys.
	//
	// Optional field. Default: keyguard-master
	MasterKeyAlias string

	// CallTimeout bounds every backend call. A call exceeding it fails with
	// ErrBackendUnavailable.
	//
	// Optional field. Default: 10s
	CallTimeout time.Duration

	// AWSRegion overrides the region from the default AWS config chain.
	AWSRegion string

	// GCPProject, GCPLocation and GCPKeyRing locate the Cloud KMS key ring.
	// GCPProject is required when Backend is BackendGCP.
	GCPProject  string
	GCPLocation string
	GCPKeyRing  string

	// VaultTransitMount and VaultKVMount are the Vault mount points.
	//
	// Optional fields. Defaults: transit, secret
	VaultTransitMount string
	VaultKVMount      string

	// LocalSecret and LocalSalt feed scrypt for the local backend.
	LocalSecret string
	LocalSalt   string

	// DBPath is the SQLite file holding key material for the gcp and local backends.
	//
	// Optional field. Default: .keyguard/keys.db
	DBPath string

	// RegistryFile optionally overrides the built-in sensitive-field registry.
	RegistryFile string
}

// Validate checks that the configuration is coherent and applies defaults to
// optional fields.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendLocal
	}

	switch c.Backend {
	case BackendAWS, BackendVault:
	case BackendGCP:
		if c.GCPProject == "" {
			return fmt.Errorf("%w: GCPProject is required for the gcp backend", ErrInvalidConfiguration)
		}
	case BackendLocal:
		if c.Production {
			return fmt.Errorf("%w: the local key backend cannot be used in production", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfiguration, c.Backend)
	}

	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: CallTimeout must not be negative", ErrInvalidConfiguration)
	}

	if c.MasterKeyAlias == "" {
		c.MasterKeyAlias = DefaultMasterKeyAlias
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.GCPLocation == "" {
		c.GCPLocation = DefaultGCPLocation
	}
	if c.GCPKeyRing == "" {
		c.GCPKeyRing = DefaultGCPKeyRing
	}
	if c.VaultTransitMount == "" {
		c.VaultTransitMount = DefaultVaultTransitMount
	}
	if c.VaultKVMount == "" {
		c.VaultKVMount = DefaultVaultKVMount
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.Backend == BackendLocal {
		if c.LocalSecret == "" {
			c.LocalSecret = DefaultLocalSecret
		}
		if c.LocalSalt == "" {
			c.LocalSalt = DefaultLocalSalt
		}
	}

	return nil
}
