package keyguard

import "context"

// KeyManagementService is the uniform contract every key backend implements.
//
// Three implementations exist and exactly one is selected per process:
//   - Cloud KMS: github.com/hengadev/keyguard/providers/awskms and providers/gcpkms
//   - Secrets engine: github.com/hengadev/keyguard/providers/vaulttransit
//   - Local fallback (development only): github.com/hengadev/keyguard/providers/local
//
// Network-backed implementations report transient failures as ErrBackendUnavailable
// and never retry on their own. Retry policy belongs to the caller.
//
// Example usage:
//
//	p, err := providers.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	masterID, err := keyguard.EnsureKey(ctx, p.KMS, "keyguard-master")
type KeyManagementService interface {
	// Encrypt envelope-encrypts plaintext under the named key.
	//
	// Returns ErrKeyNotFound if keyID (or alias) does not exist or is not enabled,
	// and ErrBackendUnavailable if the backend cannot be reached.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt.
	//
	// Returns ErrAuthenticationFailed if the ciphertext was tampered with or
	// belongs to another key, and ErrKeyNotFound for unknown keys.
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)

	// GenerateKey creates a new managed key. A non-empty alias makes the key
	// addressable by that friendly name.
	GenerateKey(ctx context.Context, alias string) (string, error)

	// DescribeKey returns metadata for a key id or alias.
	DescribeKey(ctx context.Context, keyID string) (*KeyMetadata, error)

	// ListKeys returns metadata for every key the backend manages.
	ListKeys(ctx context.Context) ([]KeyMetadata, error)

	// DeleteKey schedules deletion after a backend-defined grace window.
	// Key material is never destroyed synchronously. Backends that track no
	// deletion date hold the key until an explicit purge.
	DeleteKey(ctx context.Context, keyID string) error
}

// SecretStore persists opaque key material (wrapped data keys, wrapped signing
// keys, backend metadata) under slash-separated paths.
//
// Implementations:
//   - AWS Secrets Manager: github.com/hengadev/keyguard/providers/awssecrets
//   - HashiCorp Vault KV v2: github.com/hengadev/keyguard/providers/vaultkv
//   - SQLite: github.com/hengadev/keyguard/providers/sqlitestore
//   - In-Memory (testing): keyguard.InMemorySecretStore
//
// Values written here are already encrypted by the caller; a store never sees
// plaintext key bytes.
type SecretStore interface {
	// PutSecret creates or replaces the value stored at path.
	PutSecret(ctx context.Context, path string, value []byte) error

	// GetSecret returns the value at path, or ErrSecretNotFound.
	GetSecret(ctx context.Context, path string) ([]byte, error)

	// ListSecrets returns every path starting with prefix, sorted.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)

	// DeleteSecret removes the value at path. Deleting a missing path is not an error.
	DeleteSecret(ctx context.Context, path string) error
}
