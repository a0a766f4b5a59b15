package fieldcrypt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/crypto"
	"github.com/hengadev/keyguard/internal/reliability"
	"github.com/hengadev/keyguard/internal/security"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("field encryption service closed")

// dataKeyRecord is persisted at keyguard.DataKeyPathPrefix + KeyID.
type dataKeyRecord struct {
	KeyID       string    `json:"keyId"`
	MasterKeyID string    `json:"masterKeyId"`
	WrappedKey  string    `json:"wrappedKey"`
	Algorithm   string    `json:"algorithm"`
	CreatedAt   time.Time `json:"createdAt"`
}

type dataKey struct {
	id          string
	alg         crypto.Algorithm
	key         []byte
	masterKeyID string
}

// keyRing unwraps each data key once and caches the plaintext until close.
type keyRing struct {
	kms     keyguard.KeyManagementService
	dek     *crypto.DEKOperations
	store   keyguard.SecretStore
	retry   *reliability.RetryExecutor
	keySize int
	clock   clock.Clock
	logger  *slog.Logger

	mu     sync.RWMutex
	master string
	cache  map[string]*dataKey
	closed bool
}

func newKeyRing(kms keyguard.KeyManagementService, store keyguard.SecretStore, retry *reliability.RetryExecutor, cfg Config) *keyRing {
	return &keyRing{
		kms:     kms,
		dek:     crypto.NewDEKOperations(kms),
		store:   store,
		retry:   retry,
		keySize: cfg.KeySize,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		master:  cfg.MasterKeyAlias,
		cache:   make(map[string]*dataKey),
	}
}

func dataKeyPath(keyID string) string {
	return keyguard.DataKeyPathPrefix + keyID
}

// load returns data key keyID. A missing key is generated when alg is set and
// reported as ErrKeyNotFound otherwise, so decryption never mints a key.
func (r *keyRing) load(ctx context.Context, keyID string, alg crypto.Algorithm) (*dataKey, error) {
	r.mu.RLock()
	closed := r.closed
	dk, ok := r.cache[keyID]
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return dk, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if dk, ok := r.cache[keyID]; ok {
		return dk, nil
	}

	rec, err := r.read(ctx, keyID)
	switch {
	case errors.Is(err, keyguard.ErrSecretNotFound) && alg != "":
		dk, err = r.create(ctx, keyID, alg)
	case errors.Is(err, keyguard.ErrSecretNotFound):
		return nil, fmt.Errorf("%w: data key '%s'", keyguard.ErrKeyNotFound, keyID)
	case err != nil:
		return nil, err
	default:
		dk, err = r.unwrap(ctx, rec)
	}
	if err != nil {
		return nil, err
	}
	r.cache[keyID] = dk
	return dk, nil
}

// with runs fn on data key keyID under the read lock, so close cannot zero
// the key while fn is sealing or opening with it.
func (r *keyRing) with(ctx context.Context, keyID string, alg crypto.Algorithm, fn func(dk *dataKey) error) error {
	if _, err := r.load(ctx, keyID, alg); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	dk, ok := r.cache[keyID]
	if r.closed || !ok {
		return ErrClosed
	}
	return fn(dk)
}

func (r *keyRing) read(ctx context.Context, keyID string) (*dataKeyRecord, error) {
	var raw []byte
	err := r.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = r.store.GetSecret(ctx, dataKeyPath(keyID))
		return err
	})
	if err != nil {
		return nil, err
	}
	var rec dataKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: data key '%s' record is corrupt: %w", keyguard.ErrPersistenceFailure, keyID, err)
	}
	return &rec, nil
}

func (r *keyRing) write(ctx context.Context, rec dataKeyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to encode data key '%s': %w", keyguard.ErrPersistenceFailure, rec.KeyID, err)
	}
	return r.retry.Execute(ctx, func(ctx context.Context) error {
		return r.store.PutSecret(ctx, dataKeyPath(rec.KeyID), raw)
	})
}

func (r *keyRing) ensureMaster(ctx context.Context, alias string) (string, error) {
	var masterID string
	err := r.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		masterID, err = keyguard.EnsureKey(ctx, r.kms, alias)
		return err
	})
	return masterID, err
}

func (r *keyRing) wrap(ctx context.Context, masterID string, key []byte) ([]byte, error) {
	var wrapped []byte
	err := r.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		wrapped, err = r.dek.WrapDEK(ctx, masterID, key)
		return err
	})
	return wrapped, err
}

func (r *keyRing) create(ctx context.Context, keyID string, alg crypto.Algorithm) (*dataKey, error) {
	masterID, err := r.ensureMaster(ctx, r.master)
	if err != nil {
		return nil, err
	}
	key, err := r.dek.GenerateDEK(r.keySize)
	if err != nil {
		return nil, err
	}
	wrapped, err := r.wrap(ctx, masterID, key)
	if err != nil {
		security.ZeroBytes(key)
		return nil, err
	}

	rec := dataKeyRecord{
		KeyID:       keyID,
		MasterKeyID: masterID,
		WrappedKey:  base64.StdEncoding.EncodeToString(wrapped),
		Algorithm:   string(alg),
		CreatedAt:   r.clock.Now().UTC(),
	}
	if err := r.write(ctx, rec); err != nil {
		security.ZeroBytes(key)
		return nil, err
	}

	r.logger.InfoContext(ctx, "data key generated", "key_id", keyID, "master_key_id", masterID, "algorithm", string(alg))
	return &dataKey{id: keyID, alg: alg, key: key, masterKeyID: masterID}, nil
}

func (r *keyRing) unwrap(ctx context.Context, rec *dataKeyRecord) (*dataKey, error) {
	alg, err := crypto.ParseAlgorithm(rec.Algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(rec.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: data key '%s' has an invalid wrapped key: %w", keyguard.ErrPersistenceFailure, rec.KeyID, err)
	}

	var key []byte
	err = r.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		key, err = r.dek.UnwrapDEK(ctx, rec.MasterKeyID, wrapped)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		security.ZeroBytes(key)
		return nil, fmt.Errorf("%w: data key '%s' unwrapped to %d bytes", keyguard.ErrDecryptionFailed, rec.KeyID, len(key))
	}
	return &dataKey{id: rec.KeyID, alg: alg, key: key, masterKeyID: rec.MasterKeyID}, nil
}

// rewrap wraps data key keyID under the master key alias and makes alias the
// master for keys generated later. Rows encrypted under the data key are untouched.
func (r *keyRing) rewrap(ctx context.Context, keyID, alias string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	rec, err := r.read(ctx, keyID)
	if errors.Is(err, keyguard.ErrSecretNotFound) {
		return "", fmt.Errorf("%w: data key '%s'", keyguard.ErrKeyNotFound, keyID)
	}
	if err != nil {
		return "", err
	}
	dk, ok := r.cache[keyID]
	if !ok {
		if dk, err = r.unwrap(ctx, rec); err != nil {
			return "", err
		}
		r.cache[keyID] = dk
	}

	masterID, err := r.ensureMaster(ctx, alias)
	if err != nil {
		return "", err
	}
	wrapped, err := r.wrap(ctx, masterID, dk.key)
	if err != nil {
		return "", err
	}

	previous := rec.MasterKeyID
	rec.MasterKeyID = masterID
	rec.WrappedKey = base64.StdEncoding.EncodeToString(wrapped)
	if err := r.write(ctx, *rec); err != nil {
		return "", err
	}
	dk.masterKeyID = masterID
	r.master = alias

	r.logger.InfoContext(ctx, "data key rewrapped", "key_id", keyID, "previous_master_key_id", previous, "master_key_id", masterID)
	return masterID, nil
}

// close waits for in-flight users of cached keys, then zeroes them.
func (r *keyRing) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, dk := range r.cache {
		security.ZeroBytes(dk.key)
		delete(r.cache, id)
	}
	r.closed = true
}
