// Package local provides the development fallback backend for keyguard.
//
// A single master key is derived from a configured secret with scrypt. Every
// managed key is an HKDF-SHA256 subkey of that master, so key ids are the only
// state; they can optionally be persisted in a SecretStore to survive
// restarts. The backend offers no real key separation or audit trail and
// refuses to start when the production flag is set.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/crypto"
	"github.com/hengadev/keyguard/internal/security"
)

// DefaultDeletionGrace is how long a deleted key stays pending before purge.
const DefaultDeletionGrace = 7 * 24 * time.Hour

// SelectionWarning is logged at WARN level whenever the backend is constructed.
const SelectionWarning = "local key backend selected: no key separation or audit trail"

// Config holds configuration for the local backend.
type Config struct {
	Secret string
	Salt   string

	// Algorithm is "aes-256-gcm" (default) or "aes-256-cbc".
	Algorithm string

	// Scrypt cost parameters; zero values take crypto.DefaultScryptParams.
	ScryptN, ScryptR, ScryptP int

	DeletionGrace time.Duration
	Production    bool

	// Store optionally persists key metadata under keyguard.LocalKeyPathPrefix.
	Store keyguard.SecretStore

	Logger *slog.Logger
	Clock  clock.Clock
}

type keyRecord struct {
	KeyID        string            `json:"keyId"`
	Alias        string            `json:"alias,omitempty"`
	Algorithm    string            `json:"algorithm"`
	KeyState     keyguard.KeyState `json:"keyState"`
	CreatedAt    time.Time         `json:"createdAt"`
	DeletionDate *time.Time        `json:"deletionDate,omitempty"`
}

// Service implements keyguard.KeyManagementService in process.
type Service struct {
	mu      sync.RWMutex
	master  []byte
	cipher  *crypto.DataEncryption
	keys    map[string]*keyRecord
	aliases map[string]string

	grace  time.Duration
	store  keyguard.SecretStore
	logger *slog.Logger
	clock  clock.Clock
}

// New derives the master key and loads persisted key metadata.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Production {
		return nil, fmt.Errorf("%w: local key backend is not allowed in production", keyguard.ErrInvalidConfiguration)
	}
	alg, err := crypto.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	params := crypto.DefaultScryptParams
	if cfg.ScryptN != 0 {
		params.N = cfg.ScryptN
	}
	if cfg.ScryptR != 0 {
		params.R = cfg.ScryptR
	}
	if cfg.ScryptP != 0 {
		params.P = cfg.ScryptP
	}
	master, err := crypto.DeriveMasterKey([]byte(cfg.Secret), []byte(cfg.Salt), params)
	if err != nil {
		return nil, err
	}

	if cfg.DeletionGrace <= 0 {
		cfg.DeletionGrace = DefaultDeletionGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}

	s := &Service{
		master:  master,
		cipher:  crypto.NewDataEncryption(alg),
		keys:    make(map[string]*keyRecord),
		aliases: make(map[string]string),
		grace:   cfg.DeletionGrace,
		store:   cfg.Store,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}
	if err := s.load(ctx); err != nil {
		security.ZeroBytes(master)
		return nil, err
	}

	s.logger.WarnContext(ctx, SelectionWarning, "algorithm", string(alg), "keys", len(s.keys))
	return s, nil
}

func (s *Service) load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	paths, err := s.store.ListSecrets(ctx, keyguard.LocalKeyPathPrefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		raw, err := s.store.GetSecret(ctx, p)
		if err != nil {
			return err
		}
		var rec keyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: malformed local key record '%s': %w", keyguard.ErrPersistenceFailure, p, err)
		}
		s.keys[rec.KeyID] = &rec
		if rec.Alias != "" {
			s.aliases[rec.Alias] = rec.KeyID
		}
	}
	return nil
}

func (s *Service) persist(ctx context.Context, rec *keyRecord) error {
	if s.store == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", keyguard.ErrPersistenceFailure, err)
	}
	return s.store.PutSecret(ctx, keyguard.LocalKeyPathPrefix+rec.KeyID, raw)
}

// resolve finds a key by id or alias, purging it first if its grace window
// has elapsed. Callers hold s.mu for writing.
func (s *Service) resolve(ctx context.Context, ref string) (*keyRecord, error) {
	id := ref
	if aliased, ok := s.aliases[strings.TrimPrefix(ref, "alias/")]; ok {
		id = aliased
	}
	rec, ok := s.keys[id]
	if !ok {
		return nil, keyguard.NewKeyNotFoundError(ref)
	}
	if rec.DeletionDate != nil && !s.clock.Now().Before(*rec.DeletionDate) {
		s.purge(ctx, rec)
		return nil, keyguard.NewKeyNotFoundError(ref)
	}
	return rec, nil
}

func (s *Service) purge(ctx context.Context, rec *keyRecord) {
	delete(s.keys, rec.KeyID)
	if rec.Alias != "" {
		delete(s.aliases, rec.Alias)
	}
	if s.store != nil {
		if err := s.store.DeleteSecret(ctx, keyguard.LocalKeyPathPrefix+rec.KeyID); err != nil {
			s.logger.WarnContext(ctx, "failed to delete purged local key record", "key_id", rec.KeyID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "local key purged", "key_id", rec.KeyID)
}

// usable returns a copy of the record so callers can read it unlocked.
func (s *Service) usable(ctx context.Context, ref string) (keyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.resolve(ctx, ref)
	if err != nil {
		return keyRecord{}, err
	}
	if !rec.KeyState.Usable() {
		return keyRecord{}, fmt.Errorf("%w: '%s' is %s", keyguard.ErrKeyNotFound, ref, rec.KeyState)
	}
	return *rec, nil
}

// Encrypt returns iv || ciphertext || tag under the key's subkey. GCM binds
// the key id as additional data.
func (s *Service) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", keyguard.ErrEncryptionFailed)
	}
	rec, err := s.usable(ctx, keyID)
	if err != nil {
		return nil, err
	}

	subkey, err := s.subkey(rec.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(subkey)

	sealed, err := s.cipher.EncryptData(subkey, plaintext, []byte(rec.KeyID))
	if err != nil {
		return nil, err
	}
	return sealed.Bytes(), nil
}

func (s *Service) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", keyguard.ErrDecryptionFailed)
	}
	rec, err := s.usable(ctx, keyID)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.Split(s.cipher.Algorithm(), ciphertext)
	if err != nil {
		return nil, err
	}
	subkey, err := s.subkey(rec.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(subkey)

	return s.cipher.DecryptData(subkey, sealed, []byte(rec.KeyID))
}

func (s *Service) subkey(keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.master == nil {
		return nil, fmt.Errorf("%w: local backend closed", keyguard.ErrInvalidConfiguration)
	}
	return crypto.DeriveSubkey(s.master, keyID)
}

func (s *Service) GenerateKey(ctx context.Context, alias string) (string, error) {
	alias = strings.TrimPrefix(alias, "alias/")

	s.mu.Lock()
	defer s.mu.Unlock()

	if alias != "" {
		if id, ok := s.aliases[alias]; ok {
			if _, err := s.resolve(ctx, id); err == nil {
				return "", fmt.Errorf("%w: alias '%s' already exists", keyguard.ErrInvalidConfiguration, alias)
			}
		}
	}

	rec := &keyRecord{
		KeyID:     uuid.NewString(),
		Alias:     alias,
		Algorithm: string(s.cipher.Algorithm()),
		KeyState:  keyguard.KeyStateEnabled,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.persist(ctx, rec); err != nil {
		return "", err
	}
	s.keys[rec.KeyID] = rec
	if alias != "" {
		s.aliases[alias] = rec.KeyID
	}

	s.logger.InfoContext(ctx, "local key generated", "key_id", rec.KeyID, "alias", alias)
	return rec.KeyID, nil
}

func (s *Service) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.resolve(ctx, keyID)
	if err != nil {
		return nil, err
	}
	meta := rec.metadata()
	return &meta, nil
}

func (s *Service) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}

	keys := make([]keyguard.KeyMetadata, 0, len(ids))
	for _, id := range ids {
		rec, err := s.resolve(ctx, id)
		if err != nil {
			continue
		}
		keys = append(keys, rec.metadata())
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KeyID < keys[j].KeyID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

// DeleteKey marks the key pending_deletion for the grace window. The key
// refuses encrypt and decrypt meanwhile and is purged once the window ends.
func (s *Service) DeleteKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.resolve(ctx, keyID)
	if err != nil {
		return err
	}
	if rec.KeyState == keyguard.KeyStatePendingDeletion {
		return nil
	}

	updated := *rec
	deletion := s.clock.Now().Add(s.grace).UTC()
	updated.KeyState = keyguard.KeyStatePendingDeletion
	updated.DeletionDate = &deletion
	if err := s.persist(ctx, &updated); err != nil {
		return err
	}
	*rec = updated

	s.logger.InfoContext(ctx, "local key scheduled for deletion", "key_id", rec.KeyID, "deletion_date", deletion)
	return nil
}

// CancelKeyDeletion restores a key that is still inside its grace window.
func (s *Service) CancelKeyDeletion(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.resolve(ctx, keyID)
	if err != nil {
		return err
	}
	if rec.KeyState != keyguard.KeyStatePendingDeletion {
		return fmt.Errorf("%w: key '%s' is not pending deletion", keyguard.ErrInvalidConfiguration, keyID)
	}

	updated := *rec
	updated.KeyState = keyguard.KeyStateEnabled
	updated.DeletionDate = nil
	if err := s.persist(ctx, &updated); err != nil {
		return err
	}
	*rec = updated
	return nil
}

// Close zeroes the master key. Later operations fail.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	security.ZeroBytes(s.master)
	s.master = nil
	return nil
}

func (r *keyRecord) metadata() keyguard.KeyMetadata {
	return keyguard.KeyMetadata{
		KeyID:       r.KeyID,
		Alias:       r.Alias,
		Algorithm:   r.Algorithm,
		KeyState:    r.KeyState,
		CreatedAt:   r.CreatedAt,
		Description: "local development key",
	}
}

var _ keyguard.KeyManagementService = (*Service)(nil)
