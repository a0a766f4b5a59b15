package keyguard

import "time"

// KeyState is the lifecycle state of a managed key.
type KeyState string

const (
	KeyStateEnabled         KeyState = "enabled"
	KeyStateDisabled        KeyState = "disabled"
	KeyStatePendingDeletion KeyState = "pending_deletion"
)

// Usable reports whether a key in this state may encrypt or decrypt.
func (s KeyState) Usable() bool {
	return s == KeyStateEnabled
}

// KeyMetadata is the backend-agnostic descriptor of a managed key. It is owned
// by the backend; callers only read it.
type KeyMetadata struct {
	KeyID       string    `json:"keyId"`
	Alias       string    `json:"alias,omitempty"`
	Algorithm   string    `json:"algorithm"`
	KeyState    KeyState  `json:"keyState"`
	CreatedAt   time.Time `json:"createdAt"`
	Description string    `json:"description,omitempty"`
}

// BackendKind names the backend family selected at process start.
type BackendKind string

const (
	BackendAWS   BackendKind = "aws"
	BackendGCP   BackendKind = "gcp"
	BackendVault BackendKind = "vault"
	BackendLocal BackendKind = "local"
)
