// Package vaultkv implements keyguard.SecretStore on HashiCorp Vault's KV v2
// secrets engine.
//
// Every keyguard path lives under "<mount>/data/keyguard/<path>". Values are
// stored base64-encoded in the "value" field, so KV version history and audit
// logging apply to wrapped key material like any other secret.
package vaultkv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/keyguard"
)

const root = "keyguard"

// Config holds configuration for the KV v2 store.
type Config struct {
	// Mount is the KV v2 mount path, "secret" by default.
	Mount string
}

// KVStore implements keyguard.SecretStore using Vault KV v2.
type KVStore struct {
	client *api.Client
	mount  string
}

// New returns a KV v2 store on an authenticated client.
//
// The KV v2 engine must be enabled before use:
//
//	vault secrets enable -path=secret kv-v2
func New(client *api.Client, cfg Config) *KVStore {
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = keyguard.DefaultVaultKVMount
	}
	return &KVStore{client: client, mount: mount}
}

// DataPath returns the KV v2 API path used to read and write path.
//
// Example: "jwt-keys/jwt_key_1" → "secret/data/keyguard/jwt-keys/jwt_key_1"
func (k *KVStore) DataPath(path string) string {
	return k.mount + "/data/" + root + "/" + strings.TrimPrefix(path, "/")
}

func (k *KVStore) metadataPath(path string) string {
	return k.mount + "/metadata/" + root + "/" + strings.TrimPrefix(path, "/")
}

func (k *KVStore) PutSecret(ctx context.Context, path string, value []byte) error {
	if path == "" {
		return fmt.Errorf("%w: secret path cannot be empty", keyguard.ErrInvalidConfiguration)
	}

	// KV v2 requires data to be wrapped in a "data" key
	_, err := k.client.Logical().WriteWithContext(ctx, k.DataPath(path), map[string]any{
		"data": map[string]any{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write '%s' to Vault KV: %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return nil
}

func (k *KVStore) GetSecret(ctx context.Context, path string) ([]byte, error) {
	secret, err := k.client.Logical().ReadWithContext(ctx, k.DataPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read '%s' from Vault KV: %w", keyguard.ErrPersistenceFailure, path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", keyguard.ErrSecretNotFound, path)
	}

	// A soft-deleted latest version reads back with "data": null.
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", keyguard.ErrSecretNotFound, path)
	}

	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: value missing or malformed at '%s'", keyguard.ErrPersistenceFailure, path)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode '%s': %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return value, nil
}

// ListSecrets walks the metadata tree below the directory part of prefix and
// keeps paths that start with the full prefix.
func (k *KVStore) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}

	var paths []string
	if err := k.walk(ctx, dir, func(p string) {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (k *KVStore) walk(ctx context.Context, dir string, visit func(string)) error {
	secret, err := k.client.Logical().ListWithContext(ctx, k.metadataPath(dir))
	if err != nil {
		return fmt.Errorf("%w: failed to list '%s' in Vault KV: %w", keyguard.ErrPersistenceFailure, dir, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	entries, _ := secret.Data["keys"].([]any)
	for _, e := range entries {
		name, ok := e.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if err := k.walk(ctx, dir+name, visit); err != nil {
				return err
			}
			continue
		}
		visit(dir + name)
	}
	return nil
}

// DeleteSecret removes every version and the metadata of path.
func (k *KVStore) DeleteSecret(ctx context.Context, path string) error {
	_, err := k.client.Logical().DeleteWithContext(ctx, k.metadataPath(path))
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("%w: failed to delete '%s' from Vault KV: %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return nil
}

var _ keyguard.SecretStore = (*KVStore)(nil)
