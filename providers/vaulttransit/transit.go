// Package vaulttransit provides the HashiCorp Vault Transit backend for keyguard.
//
// Keys are addressed by name; the alias is the name. Vault upserts keys on
// encrypt, so every encrypt and decrypt checks that the key exists and is not
// marked for deletion first.
package vaulttransit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
	"github.com/hengadev/keyguard"
)

const keyType = "aes256-gcm96"

// Config holds configuration for the Transit backend.
type Config struct {
	// Mount is the Transit mount path, "transit" by default.
	Mount string
}

// TransitService implements keyguard.KeyManagementService using Vault Transit.
type TransitService struct {
	client *api.Client
	mount  string
}

// New returns a Transit backend on an authenticated client (see NewClient).
//
// The Transit engine must be enabled before use:
//
//	vault secrets enable transit
func New(client *api.Client, cfg Config) *TransitService {
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = keyguard.DefaultVaultTransitMount
	}
	return &TransitService{client: client, mount: mount}
}

func (t *TransitService) path(parts ...string) string {
	return t.mount + "/" + strings.Join(parts, "/")
}

func (t *TransitService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", keyguard.ErrEncryptionFailed)
	}
	if err := t.requireUsable(ctx, keyID); err != nil {
		return nil, err
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("encrypt", keyID), map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, mapError("encrypt", keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit encrypt", keyguard.ErrBackendUnavailable)
	}

	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in response", keyguard.ErrEncryptionFailed)
	}
	return []byte(ciphertext), nil
}

func (t *TransitService) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", keyguard.ErrDecryptionFailed)
	}
	if err := t.requireUsable(ctx, keyID); err != nil {
		return nil, err
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("decrypt", keyID), map[string]any{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, mapError("decrypt", keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit decrypt", keyguard.ErrBackendUnavailable)
	}

	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", keyguard.ErrDecryptionFailed)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", keyguard.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateKey creates a Transit key named after alias, or "keyguard-<uuid>"
// when alias is empty. An existing key with that name is a configuration error.
func (t *TransitService) GenerateKey(ctx context.Context, alias string) (string, error) {
	name := alias
	if name == "" {
		name = "keyguard-" + uuid.NewString()
	}

	existing, err := t.readKey(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("%w: transit key '%s' already exists", keyguard.ErrInvalidConfiguration, name)
	}

	if _, err := t.client.Logical().WriteWithContext(ctx, t.path("keys", name), map[string]any{
		"type": keyType,
	}); err != nil {
		return "", mapError("generate key", name, err)
	}
	return name, nil
}

func (t *TransitService) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	secret, err := t.readKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, keyguard.NewKeyNotFoundError(keyID)
	}
	meta := toMetadata(keyID, secret.Data)
	return &meta, nil
}

func (t *TransitService) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	secret, err := t.client.Logical().ListWithContext(ctx, t.path("keys"))
	if err != nil {
		return nil, mapError("list keys", t.mount, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, _ := secret.Data["keys"].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	keys := make([]keyguard.KeyMetadata, 0, len(names))
	for _, name := range names {
		meta, err := t.DescribeKey(ctx, name)
		if err != nil {
			if keyguard.IsKeyNotFound(err) {
				continue
			}
			return nil, err
		}
		keys = append(keys, *meta)
	}
	return keys, nil
}

// DeleteKey marks the key deletable. Transit keeps no deletion date, so the
// grace window lasts until an operator runs Purge (keyguard keys purge).
// Meanwhile the key is reported as pending_deletion, refused for encrypt and
// decrypt, and CancelKeyDeletion restores it.
func (t *TransitService) DeleteKey(ctx context.Context, keyID string) error {
	return t.setDeletionAllowed(ctx, keyID, true)
}

// CancelKeyDeletion clears the deletion mark set by DeleteKey.
func (t *TransitService) CancelKeyDeletion(ctx context.Context, keyID string) error {
	return t.setDeletionAllowed(ctx, keyID, false)
}

// Purge permanently deletes a key previously passed to DeleteKey.
func (t *TransitService) Purge(ctx context.Context, keyID string) error {
	meta, err := t.DescribeKey(ctx, keyID)
	if err != nil {
		return err
	}
	if meta.KeyState != keyguard.KeyStatePendingDeletion {
		return fmt.Errorf("%w: key '%s' must be scheduled for deletion before purge", keyguard.ErrInvalidConfiguration, keyID)
	}
	if _, err := t.client.Logical().DeleteWithContext(ctx, t.path("keys", keyID)); err != nil {
		return mapError("purge key", keyID, err)
	}
	return nil
}

func (t *TransitService) setDeletionAllowed(ctx context.Context, keyID string, allowed bool) error {
	if _, err := t.DescribeKey(ctx, keyID); err != nil {
		return err
	}
	if _, err := t.client.Logical().WriteWithContext(ctx, t.path("keys", keyID, "config"), map[string]any{
		"deletion_allowed": allowed,
	}); err != nil {
		return mapError("configure key", keyID, err)
	}
	return nil
}

// readKey returns nil without error when the key does not exist.
func (t *TransitService) readKey(ctx context.Context, name string) (*api.Secret, error) {
	secret, err := t.client.Logical().ReadWithContext(ctx, t.path("keys", name))
	if err != nil {
		return nil, mapError("read key", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	return secret, nil
}

func (t *TransitService) requireUsable(ctx context.Context, keyID string) error {
	meta, err := t.DescribeKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !meta.KeyState.Usable() {
		return fmt.Errorf("%w: '%s' is %s", keyguard.ErrKeyNotFound, keyID, meta.KeyState)
	}
	return nil
}

func toMetadata(name string, data map[string]any) keyguard.KeyMetadata {
	meta := keyguard.KeyMetadata{
		KeyID:    name,
		Alias:    name,
		KeyState: keyguard.KeyStateEnabled,
	}
	if typ, ok := data["type"].(string); ok {
		meta.Algorithm = typ
	}
	if allowed, ok := data["deletion_allowed"].(bool); ok && allowed {
		meta.KeyState = keyguard.KeyStatePendingDeletion
	}
	// Version 1 carries the creation time.
	if versions, ok := data["keys"].(map[string]any); ok {
		meta.CreatedAt = parseVersionTime(versions["1"])
	}
	return meta
}

// parseVersionTime accepts the unix seconds Vault reports for symmetric keys
// and the RFC3339 form it uses for asymmetric ones.
func parseVersionTime(v any) time.Time {
	switch val := v.(type) {
	case json.Number:
		if secs, err := val.Int64(); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	case float64:
		return time.Unix(int64(val), 0).UTC()
	case map[string]any:
		return parseVersionTime(val["creation_time"])
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// mapError maps Vault HTTP status codes onto the keyguard error taxonomy.
func mapError(op, ref string, err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrKeyNotFound, op, ref, err)
		case respErr.StatusCode == http.StatusBadRequest && op == "decrypt":
			return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrAuthenticationFailed, op, ref, err)
		}
	}
	return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrBackendUnavailable, op, ref, err)
}

var _ keyguard.KeyManagementService = (*TransitService)(nil)
