package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/security"
)

// isoMillis matches the ISO-8601 form other services write into the
// environment interchange records.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// storedKey is persisted at keyguard.SigningKeyPathPrefix + ID. EncryptedKey
// is the backend ciphertext of the key bytes under MasterKeyID.
type storedKey struct {
	ID           string     `json:"id"`
	EncryptedKey string     `json:"encryptedKey"`
	MasterKeyID  string     `json:"masterKeyId"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IsActive     bool       `json:"isActive"`
	Algorithm    Algorithm  `json:"algorithm"`
}

// envKey is the environment interchange record, stored in <EnvPrefix><ID>.
type envKey struct {
	ID        string  `json:"id"`
	Key       string  `json:"key"`
	CreatedAt string  `json:"createdAt"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
	IsActive  bool    `json:"isActive"`
	Algorithm string  `json:"algorithm"`
}

func signingKeyPath(id string) string {
	return keyguard.SigningKeyPathPrefix + id
}

// persister writes keys to the secret store, encrypted under the master key,
// and optionally to the process environment.
type persister struct {
	kms       keyguard.KeyManagementService
	store     keyguard.SecretStore
	alias     string
	envPrefix string
	toEnv     bool
	logger    *slog.Logger

	mu       sync.Mutex
	masterID string
	written  map[string]storedKey
}

func newPersister(kms keyguard.KeyManagementService, store keyguard.SecretStore, cfg Config) *persister {
	p := &persister{
		alias:     cfg.MasterKeyAlias,
		envPrefix: cfg.EnvPrefix,
		toEnv:     cfg.PersistToEnv,
		logger:    cfg.Logger,
		written:   make(map[string]storedKey),
	}
	if kms != nil && store != nil {
		p.kms, p.store = kms, store
	}
	return p
}

func (p *persister) hasStore() bool {
	return p.store != nil
}

func (p *persister) enabled() bool {
	return p.hasStore() || p.toEnv
}

func (p *persister) master(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.masterID != "" {
		return p.masterID, nil
	}
	id, err := keyguard.EnsureKey(ctx, p.kms, p.alias)
	if err != nil {
		return "", err
	}
	p.masterID = id
	return id, nil
}

// save writes the current state of k. Key bytes are encrypted once; later
// saves of the same key reuse the stored ciphertext.
func (p *persister) save(ctx context.Context, k JWTKey) error {
	var errs []error
	if p.hasStore() {
		errs = append(errs, p.saveStore(ctx, k))
	}
	if p.toEnv {
		errs = append(errs, p.saveEnv(k))
	}
	return errors.Join(errs...)
}

func (p *persister) saveStore(ctx context.Context, k JWTKey) error {
	p.mu.Lock()
	rec, ok := p.written[k.ID]
	p.mu.Unlock()

	if !ok {
		masterID, err := p.master(ctx)
		if err != nil {
			return err
		}
		ciphertext, err := p.kms.Encrypt(ctx, masterID, k.Key)
		if err != nil {
			return err
		}
		rec = storedKey{
			ID:           k.ID,
			EncryptedKey: base64.StdEncoding.EncodeToString(ciphertext),
			MasterKeyID:  masterID,
			CreatedAt:    k.CreatedAt,
			Algorithm:    k.Algorithm,
		}
	}
	rec.IsActive = k.IsActive
	rec.ExpiresAt = k.ExpiresAt

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := p.store.PutSecret(ctx, signingKeyPath(k.ID), raw); err != nil {
		return err
	}

	p.mu.Lock()
	p.written[k.ID] = rec
	p.mu.Unlock()
	return nil
}

func (p *persister) saveEnv(k JWTKey) error {
	rec := envKey{
		ID:        k.ID,
		Key:       base64.StdEncoding.EncodeToString(k.Key),
		CreatedAt: k.CreatedAt.UTC().Format(isoMillis),
		IsActive:  k.IsActive,
		Algorithm: string(k.Algorithm),
	}
	if k.ExpiresAt != nil {
		at := k.ExpiresAt.UTC().Format(isoMillis)
		rec.ExpiresAt = &at
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.Setenv(p.envPrefix+k.ID, string(raw))
}

// remove deletes a purged key from every destination.
func (p *persister) remove(ctx context.Context, id string) error {
	var errs []error
	if p.hasStore() {
		errs = append(errs, p.store.DeleteSecret(ctx, signingKeyPath(id)))
	}
	if p.toEnv {
		errs = append(errs, os.Unsetenv(p.envPrefix+id))
	}
	p.mu.Lock()
	delete(p.written, id)
	p.mu.Unlock()
	return errors.Join(errs...)
}

// loadStore reads and decrypts every persisted key. Unreadable records are
// skipped with a warning; an unavailable backend fails the whole load.
func (p *persister) loadStore(ctx context.Context) ([]*JWTKey, error) {
	paths, err := p.store.ListSecrets(ctx, keyguard.SigningKeyPathPrefix)
	if err != nil {
		return nil, err
	}

	keys := make([]*JWTKey, 0, len(paths))
	for _, path := range paths {
		k, rec, err := p.loadOne(ctx, path)
		if keyguard.IsRetryableError(err) {
			return nil, err
		}
		if err != nil {
			p.logger.WarnContext(ctx, "skipping unreadable signing key", "path", path, "error", err)
			continue
		}
		keys = append(keys, k)
		p.mu.Lock()
		p.written[k.ID] = rec
		p.mu.Unlock()
	}
	return keys, nil
}

func (p *persister) loadOne(ctx context.Context, path string) (*JWTKey, storedKey, error) {
	var rec storedKey
	raw, err := p.store.GetSecret(ctx, path)
	if err != nil {
		return nil, rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, rec, fmt.Errorf("%w: %w", keyguard.ErrInvalidFormat, err)
	}
	if _, err := rec.Algorithm.hash(); err != nil {
		return nil, rec, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.EncryptedKey)
	if err != nil {
		return nil, rec, fmt.Errorf("%w: encryptedKey: %w", keyguard.ErrInvalidFormat, err)
	}
	material, err := p.kms.Decrypt(ctx, rec.MasterKeyID, ciphertext)
	if err != nil {
		return nil, rec, err
	}
	if len(material) < minKeySize {
		security.ZeroBytes(material)
		return nil, rec, fmt.Errorf("%w: key is %d bytes", keyguard.ErrInvalidFormat, len(material))
	}
	return &JWTKey{
		ID:        rec.ID,
		Key:       material,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		IsActive:  rec.IsActive,
		Algorithm: rec.Algorithm,
	}, rec, nil
}

// loadEnv reads every <EnvPrefix>* variable holding an interchange record.
func (p *persister) loadEnv(ctx context.Context) []*JWTKey {
	var keys []*JWTKey
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, p.envPrefix) {
			continue
		}
		k, err := parseEnvKey(value)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping malformed signing key variable", "name", name, "error", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func parseEnvKey(value string) (*JWTKey, error) {
	var rec envKey
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", keyguard.ErrInvalidFormat, err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", keyguard.ErrInvalidFormat)
	}
	alg := Algorithm(rec.Algorithm)
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if _, err := alg.hash(); err != nil {
		return nil, err
	}
	material, err := base64.StdEncoding.DecodeString(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", keyguard.ErrInvalidFormat, err)
	}
	if len(material) < minKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", keyguard.ErrInvalidFormat, len(material))
	}
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: createdAt: %w", keyguard.ErrInvalidFormat, err)
	}

	k := &JWTKey{
		ID:        rec.ID,
		Key:       material,
		CreatedAt: createdAt.UTC(),
		IsActive:  rec.IsActive,
		Algorithm: alg,
	}
	if rec.ExpiresAt != nil {
		at, err := time.Parse(time.RFC3339, *rec.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expiresAt: %w", keyguard.ErrInvalidFormat, err)
		}
		at = at.UTC()
		k.ExpiresAt = &at
	}
	return k, nil
}
