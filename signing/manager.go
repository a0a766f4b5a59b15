// Package signing maintains a rotating pool of HMAC signing keys.
//
// Exactly one key is current and signs new data. Older keys keep verifying
// until they age out, are evicted by the active-key cap, and finally pass
// the retention period, at which point they are purged:
//
//	created (active) -> deactivated (verifies) -> purged
//
// Key bytes are persisted encrypted under the backend master key, so a
// restarted process verifies tokens signed before the restart.
package signing

import (
	"cmp"
	"context"
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/internal/security"
)

const rotationTimeout = 30 * time.Second

// Signature is a base64 HMAC tagged with the id of the key that produced it.
type Signature struct {
	Signature string `json:"signature"`
	KeyID     string `json:"keyId"`
}

// Stats summarizes the key pool for health and admin endpoints.
type Stats struct {
	TotalKeys    int        `json:"totalKeys"`
	ActiveKeys   int        `json:"activeKeys"`
	CurrentKeyID string     `json:"currentKeyId"`
	NextRotation time.Time  `json:"nextRotation"`
	LastRotation *time.Time `json:"lastRotation,omitempty"`
	Scheduled    bool       `json:"scheduled"`
}

// Manager owns the signing keys of one process. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	persist *persister
	logger  *slog.Logger
	clock   clock.Clock
	hook    monitoring.ObservabilityHook

	// rotating serializes rotation passes; a second pass fails fast.
	rotating sync.Mutex

	mu           sync.RWMutex
	keys         map[string]*JWTKey
	seq          uint64
	currentID    string
	lastRotation time.Time
	nextRotation time.Time
	ticker       *clock.Ticker
	destroyed    bool
}

// New loads persisted keys and guarantees a current key before returning.
// kms and store may both be nil in development, in which case keys come
// from the environment or are generated in memory.
func New(ctx context.Context, kms keyguard.KeyManagementService, store keyguard.SecretStore, cfg Config) (*Manager, error) {
	if err := cfg.validate(kms != nil && store != nil); err != nil {
		return nil, err
	}
	cfg.Logger = cfg.Logger.With("component", "signing")

	m := &Manager{
		cfg:     cfg,
		persist: newPersister(kms, store, cfg),
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		hook:    cfg.Hook,
		keys:    make(map[string]*JWTKey),
	}

	if err := m.load(ctx); err != nil {
		m.Destroy()
		return nil, err
	}
	if m.CurrentKeyID() == "" {
		if _, err := m.GenerateNewKey(ctx, true); err != nil {
			m.Destroy()
			return nil, fmt.Errorf("failed to create initial signing key: %w", err)
		}
	}

	m.mu.Lock()
	m.nextRotation = m.clock.Now().Add(cfg.RotationInterval)
	total, current := len(m.keys), m.currentID
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "signing key manager initialized", "keys", total, "current_key_id", current)
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	keys, source, err := m.readPersisted(ctx)
	if err != nil {
		return err
	}
	slices.SortFunc(keys, func(a, b *JWTKey) int { return a.CreatedAt.Compare(b.CreatedAt) })

	now := m.clock.Now()
	m.mu.Lock()
	for _, k := range keys {
		if _, dup := m.keys[k.ID]; dup {
			security.ZeroBytes(k.Key)
			continue
		}
		m.insertLocked(k, false)
	}
	purged := m.purgeLocked(now)
	if active := m.activeLocked(); len(active) > 0 {
		m.currentID = active[len(active)-1].ID
	}
	evicted := m.evictLocked(now)
	loaded := len(m.keys)
	m.mu.Unlock()

	m.persistChanges(ctx, evicted, purged)
	if loaded > 0 {
		m.logger.InfoContext(ctx, "signing keys loaded", "source", source, "keys", loaded, "purged", len(purged))
	}
	return nil
}

// readPersisted prefers the secret store and falls back to the environment
// when the store holds no keys or, outside production, cannot be read.
func (m *Manager) readPersisted(ctx context.Context) ([]*JWTKey, string, error) {
	if m.persist.hasStore() {
		keys, err := m.persist.loadStore(ctx)
		if err == nil && len(keys) > 0 {
			return keys, "store", nil
		}
		if err != nil {
			if m.cfg.Production {
				return nil, "", fmt.Errorf("%w: loading signing keys: %w", keyguard.ErrPersistenceFailure, err)
			}
			m.logger.WarnContext(ctx, "signing key store unreadable, falling back to the environment", "error", err)
		}
	}
	return m.persist.loadEnv(ctx), "environment", nil
}

// GenerateNewKey creates a key and, when makeActive is set, makes it current.
// Otherwise the key is active but not current. The active-key cap is enforced
// afterwards. In production the key is persisted before it is used and a
// persistence failure fails the call with keyguard.ErrPersistenceFailure.
func (m *Manager) GenerateNewKey(ctx context.Context, makeActive bool) (string, error) {
	if m.isDestroyed() {
		return "", keyguard.ErrManagerDestroyed
	}
	k, err := m.newPersistedKey(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		security.ZeroBytes(k.Key)
		return "", keyguard.ErrManagerDestroyed
	}
	m.insertLocked(k, makeActive)
	evicted := m.evictLocked(m.clock.Now())
	m.mu.Unlock()

	m.hook.OnKeyOperation(ctx, "generate", k.ID, map[string]any{"current": makeActive})
	for _, e := range evicted {
		m.hook.OnKeyOperation(ctx, "evict", e.ID, nil)
	}
	m.persistChanges(ctx, evicted, nil)

	m.logger.InfoContext(ctx, "signing key generated", "key_id", k.ID, "current", makeActive, "evicted", len(evicted))
	return k.ID, nil
}

// RotateKeys runs one scheduled rotation pass and returns the new current key id:
// active keys older than RotationInterval are deactivated, one new current
// key is generated, the oldest active keys beyond MaxActiveKeys are evicted
// and deactivated keys past RetentionPeriod are purged. A pass started while
// another is running fails with keyguard.ErrRotationInProgress.
func (m *Manager) RotateKeys(ctx context.Context) (string, error) {
	return m.rotate(ctx, false)
}

// ForceRotateKeys is RotateKeys that also deactivates the current key
// regardless of its age, for emergency rotation.
func (m *Manager) ForceRotateKeys(ctx context.Context) (string, error) {
	return m.rotate(ctx, true)
}

func (m *Manager) rotate(ctx context.Context, force bool) (string, error) {
	if !m.rotating.TryLock() {
		return "", keyguard.ErrRotationInProgress
	}
	defer m.rotating.Unlock()
	if m.isDestroyed() {
		return "", keyguard.ErrManagerDestroyed
	}

	start := time.Now()
	meta := map[string]any{"forced": force}
	m.hook.OnProcessStart(ctx, "rotate", meta)

	k, err := m.newPersistedKey(ctx)
	if err != nil {
		m.hook.OnError(ctx, "rotate", err, meta)
		m.hook.OnProcessComplete(ctx, "rotate", time.Since(start), err, meta)
		return "", err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		security.ZeroBytes(k.Key)
		return "", keyguard.ErrManagerDestroyed
	}
	now := m.clock.Now()
	previous := m.currentID

	var deactivated []JWTKey
	for _, old := range m.activeLocked() {
		if (force && old.ID == previous) || now.Sub(old.CreatedAt) >= m.cfg.RotationInterval {
			old.deactivate(now)
			deactivated = append(deactivated, old.snapshot())
		}
	}
	m.insertLocked(k, true)
	evicted := m.evictLocked(now)
	purged := m.purgeLocked(now)
	m.lastRotation = now
	m.nextRotation = now.Add(m.cfg.RotationInterval)
	m.mu.Unlock()

	m.hook.OnKeyOperation(ctx, "rotate", k.ID, map[string]any{"previous_key_id": previous, "forced": force})
	for _, d := range deactivated {
		m.hook.OnKeyOperation(ctx, "deactivate", d.ID, nil)
	}
	for _, e := range evicted {
		m.hook.OnKeyOperation(ctx, "evict", e.ID, nil)
	}
	for _, id := range purged {
		m.hook.OnKeyOperation(ctx, "purge", id, nil)
	}

	nDeactivated, nEvicted := len(deactivated), len(evicted)
	m.persistChanges(ctx, append(deactivated, evicted...), purged)

	m.hook.OnProcessComplete(ctx, "rotate", time.Since(start), nil, meta)
	m.logger.InfoContext(ctx, "signing keys rotated",
		"key_id", k.ID, "previous_key_id", previous, "forced", force,
		"deactivated", nDeactivated, "evicted", nEvicted, "purged", len(purged))
	return k.ID, nil
}

// newPersistedKey generates a key and persists it. Outside production a
// persistence failure is logged and the key is still returned.
func (m *Manager) newPersistedKey(ctx context.Context) (*JWTKey, error) {
	k, err := generateKey(m.cfg)
	if err != nil {
		return nil, err
	}
	if !m.persist.enabled() {
		return k, nil
	}

	snap := k.snapshot()
	defer security.ZeroBytes(snap.Key)

	if err := m.persist.save(ctx, snap); err != nil {
		if m.cfg.Production {
			security.ZeroBytes(k.Key)
			m.logger.ErrorContext(ctx, "signing key persistence failed", "key_id", k.ID, "error", err)
			return nil, fmt.Errorf("%w: signing key '%s': %w", keyguard.ErrPersistenceFailure, k.ID, err)
		}
		m.logger.WarnContext(ctx, "signing key not persisted and will not survive a restart", "key_id", k.ID, "error", err)
	}
	return k, nil
}

// persistChanges writes state changes and removals best-effort, then zeroes
// the snapshots.
func (m *Manager) persistChanges(ctx context.Context, changed []JWTKey, purged []string) {
	for i := range changed {
		if m.persist.enabled() {
			if err := m.persist.save(ctx, changed[i]); err != nil {
				m.logger.WarnContext(ctx, "failed to persist signing key state", "key_id", changed[i].ID, "error", err)
			}
		}
		security.ZeroBytes(changed[i].Key)
	}
	if !m.persist.enabled() {
		return
	}
	for _, id := range purged {
		if err := m.persist.remove(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "failed to remove purged signing key", "key_id", id, "error", err)
		}
	}
}

func (m *Manager) insertLocked(k *JWTKey, current bool) {
	m.seq++
	k.seq = m.seq
	m.keys[k.ID] = k
	if current {
		m.currentID = k.ID
	}
}

// activeLocked returns the active keys oldest first.
func (m *Manager) activeLocked() []*JWTKey {
	var active []*JWTKey
	for _, k := range m.keys {
		if k.IsActive {
			active = append(active, k)
		}
	}
	slices.SortFunc(active, func(a, b *JWTKey) int {
		switch {
		case a.before(b):
			return -1
		case b.before(a):
			return 1
		default:
			return 0
		}
	})
	return active
}

// evictLocked deactivates the oldest non-current active keys until at most
// MaxActiveKeys remain active.
func (m *Manager) evictLocked(now time.Time) []JWTKey {
	active := m.activeLocked()
	excess := len(active) - m.cfg.MaxActiveKeys
	var evicted []JWTKey
	for _, k := range active {
		if excess <= 0 {
			break
		}
		if k.ID == m.currentID {
			continue
		}
		k.deactivate(now)
		evicted = append(evicted, k.snapshot())
		excess--
	}
	return evicted
}

// purgeLocked drops deactivated keys whose retention period has passed.
func (m *Manager) purgeLocked(now time.Time) []string {
	var purged []string
	for id, k := range m.keys {
		if id == m.currentID || k.verifiable(now, m.cfg.RetentionPeriod) {
			continue
		}
		security.ZeroBytes(k.Key)
		delete(m.keys, id)
		purged = append(purged, id)
	}
	slices.Sort(purged)
	return purged
}

func mac(k *JWTKey, data []byte) ([]byte, error) {
	h, err := k.Algorithm.hash()
	if err != nil {
		return nil, err
	}
	sum := hmac.New(h, k.Key)
	sum.Write(data)
	return sum.Sum(nil), nil
}

// SignData signs data with the current key.
func (m *Manager) SignData(data string) (Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return Signature{}, keyguard.ErrManagerDestroyed
	}
	k, ok := m.keys[m.currentID]
	if !ok || !k.IsActive {
		return Signature{}, keyguard.ErrNoActiveKey
	}
	sig, err := mac(k, []byte(data))
	if err != nil {
		return Signature{}, err
	}
	return Signature{Signature: base64.StdEncoding.EncodeToString(sig), KeyID: k.ID}, nil
}

// VerifyData reports whether signature is the HMAC of data under key keyID.
// Deactivated keys verify until their retention period ends. Malformed input
// and unknown keys yield false.
func (m *Manager) VerifyData(data, signature, keyID string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return false
	}
	k, ok := m.keys[keyID]
	if !ok || !k.verifiable(m.clock.Now(), m.cfg.RetentionPeriod) {
		return false
	}
	want, err := mac(k, []byte(data))
	if err != nil {
		return false
	}
	return security.ConstantTimeEq(want, got)
}

// CurrentKeyID returns the id of the signing key, or "" after Destroy.
func (m *Manager) CurrentKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

// ActiveKeys returns the metadata of the active keys, oldest first.
func (m *Manager) ActiveKeys() []JWTKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := m.activeLocked()
	out := make([]JWTKey, len(active))
	for i, k := range active {
		out[i] = k.metadata()
	}
	return out
}

// Keys returns the metadata of every retained key, oldest first.
func (m *Manager) Keys() []JWTKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]JWTKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.metadata())
	}
	slices.SortFunc(out, func(a, b JWTKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Stats returns a snapshot of the key pool.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		TotalKeys:    len(m.keys),
		CurrentKeyID: m.currentID,
		NextRotation: m.nextRotation,
		Scheduled:    m.ticker != nil,
	}
	for _, k := range m.keys {
		if k.IsActive {
			s.ActiveKeys++
		}
	}
	if !m.lastRotation.IsZero() {
		last := m.lastRotation
		s.LastRotation = &last
	}
	return s
}

// Start schedules RotateKeys every RotationInterval. Later calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.ticker != nil {
		return
	}
	m.ticker = clock.NewTicker(m.cfg.RotationInterval, m.scheduledRotation)
}

func (m *Manager) scheduledRotation(time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), rotationTimeout)
	defer cancel()

	_, err := m.RotateKeys(ctx)
	switch {
	case err == nil:
	case errors.Is(err, keyguard.ErrRotationInProgress), errors.Is(err, keyguard.ErrManagerDestroyed):
		m.logger.DebugContext(ctx, "scheduled rotation skipped", "reason", err)
	default:
		m.logger.ErrorContext(ctx, "scheduled rotation failed", "error", err)
	}
}

// Destroy stops scheduled rotation and zeroes every key. It is idempotent.
// Persisted keys are kept.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	t := m.ticker
	m.ticker = nil
	for id, k := range m.keys {
		security.ZeroBytes(k.Key)
		delete(m.keys, id)
	}
	m.currentID = ""
	m.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	m.logger.Info("signing key manager destroyed")
}

func (m *Manager) isDestroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}
