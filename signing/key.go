package signing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hengadev/keyguard/internal/security"
)

// JWTKey is one generation of a signing key. Keys returned by the Manager
// carry metadata only; Key is nil outside the manager.
type JWTKey struct {
	ID        string     `json:"id"`
	Key       []byte     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsActive  bool       `json:"isActive"`
	Algorithm Algorithm  `json:"algorithm"`

	// seq orders keys created within the same clock reading.
	seq uint64
}

// newKeyID returns prefix + creation time in milliseconds + a random suffix.
func newKeyID(prefix string, createdAt time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s", prefix, createdAt.UnixMilli(), suffix)
}

func generateKey(cfg Config) (*JWTKey, error) {
	material, err := security.GenerateSecureKey(cfg.KeySize)
	if err != nil {
		return nil, err
	}
	now := cfg.Clock.Now().UTC()
	return &JWTKey{
		ID:        newKeyID(cfg.KeyPrefix, now),
		Key:       material,
		CreatedAt: now,
		IsActive:  true,
		Algorithm: cfg.Algorithm,
	}, nil
}

// before orders keys oldest first.
func (k *JWTKey) before(other *JWTKey) bool {
	if !k.CreatedAt.Equal(other.CreatedAt) {
		return k.CreatedAt.Before(other.CreatedAt)
	}
	return k.seq < other.seq
}

func (k *JWTKey) deactivate(at time.Time) {
	k.IsActive = false
	at = at.UTC()
	k.ExpiresAt = &at
}

// verifiable reports whether the key may still verify signatures at now.
func (k *JWTKey) verifiable(now time.Time, retention time.Duration) bool {
	if k.IsActive || k.ExpiresAt == nil {
		return true
	}
	return now.Sub(*k.ExpiresAt) < retention
}

// metadata returns a copy without key material.
func (k *JWTKey) metadata() JWTKey {
	out := *k
	out.Key = nil
	if k.ExpiresAt != nil {
		at := *k.ExpiresAt
		out.ExpiresAt = &at
	}
	return out
}

// snapshot returns a copy owning its key material. Callers zero it when done.
func (k *JWTKey) snapshot() JWTKey {
	out := k.metadata()
	out.Key = security.SecureCopy(k.Key)
	return out
}
