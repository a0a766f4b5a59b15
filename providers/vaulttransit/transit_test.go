package vaulttransit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const createdUnix = 1700000000

type fakeKey struct {
	deletionAllowed bool
}

// fakeTransit mimics the Transit endpoints keyguard uses, including the
// upsert-on-encrypt behaviour of a real server.
type fakeTransit struct {
	mu       sync.Mutex
	keys     map[string]*fakeKey
	failWith int
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func vaultError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"errors": []string{msg}})
}

func (f *fakeTransit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != 0 {
		vaultError(w, f.failWith, "injected failure")
		return
	}

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/transit/"), "/")
	switch {
	case parts[0] == "keys" && len(parts) == 1:
		if len(f.keys) == 0 {
			vaultError(w, http.StatusNotFound, "")
			return
		}
		names := make([]string, 0, len(f.keys))
		for name := range f.keys {
			names = append(names, name)
		}
		sort.Strings(names)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": names}})

	case parts[0] == "keys" && len(parts) == 2:
		name := parts[1]
		switch r.Method {
		case http.MethodGet:
			key, ok := f.keys[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"name":             name,
				"type":             keyType,
				"deletion_allowed": key.deletionAllowed,
				"keys":             map[string]any{"1": createdUnix},
			}})
		case http.MethodDelete:
			key, ok := f.keys[name]
			if !ok || !key.deletionAllowed {
				vaultError(w, http.StatusBadRequest, "deletion is not allowed for this key")
				return
			}
			delete(f.keys, name)
			w.WriteHeader(http.StatusNoContent)
		default:
			if _, ok := f.keys[name]; !ok {
				f.keys[name] = &fakeKey{}
			}
			w.WriteHeader(http.StatusNoContent)
		}

	case parts[0] == "keys" && len(parts) == 3 && parts[2] == "config":
		key, ok := f.keys[parts[1]]
		if !ok {
			vaultError(w, http.StatusNotFound, "no such key")
			return
		}
		key.deletionAllowed, _ = body["deletion_allowed"].(bool)
		w.WriteHeader(http.StatusNoContent)

	case parts[0] == "encrypt":
		if _, ok := f.keys[parts[1]]; !ok {
			f.keys[parts[1]] = &fakeKey{}
		}
		pt, _ := body["plaintext"].(string)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"ciphertext": "vault:v1:" + parts[1] + ":" + pt,
		}})

	case parts[0] == "decrypt":
		ct, _ := body["ciphertext"].(string)
		prefix := "vault:v1:" + parts[1] + ":"
		if !strings.HasPrefix(ct, prefix) {
			vaultError(w, http.StatusBadRequest, "cipher: message authentication failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"plaintext": strings.TrimPrefix(ct, prefix),
		}})

	default:
		vaultError(w, http.StatusNotFound, "unsupported path")
	}
}

func newTestService(t *testing.T) (*TransitService, *fakeTransit) {
	t.Helper()
	fake := &fakeTransit{keys: make(map[string]*fakeKey)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	config := api.DefaultConfig()
	config.Address = server.URL
	config.MaxRetries = 0
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.SetToken("test-token")

	return New(client, Config{}), fake
}

func TestGenerateKey(t *testing.T) {
	ctx := context.Background()
	svc, fake := newTestService(t)

	name, err := svc.GenerateKey(ctx, "keyguard-master")
	require.NoError(t, err)
	assert.Equal(t, "keyguard-master", name)
	assert.Contains(t, fake.keys, "keyguard-master")

	_, err = svc.GenerateKey(ctx, "keyguard-master")
	assert.ErrorIs(t, err, keyguard.ErrInvalidConfiguration)

	generated, err := svc.GenerateKey(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(generated, "keyguard-"))
}

func TestEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GenerateKey(ctx, "app")
	require.NoError(t, err)

	ct, err := svc.Encrypt(ctx, "app", []byte("data key"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ct), "vault:v1:"))

	pt, err := svc.Decrypt(ctx, "app", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("data key"), pt)
}

func TestEncrypt_UnknownKeyIsNotCreated(t *testing.T) {
	svc, fake := newTestService(t)

	_, err := svc.Encrypt(context.Background(), "ghost", []byte("data"))
	assert.ErrorIs(t, err, keyguard.ErrKeyNotFound)
	assert.NotContains(t, fake.keys, "ghost")
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GenerateKey(ctx, "app")
	require.NoError(t, err)

	_, err = svc.Decrypt(ctx, "app", []byte("vault:v1:other:AAAA"))
	assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
}

func TestDescribeKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.DescribeKey(ctx, "missing")
	assert.ErrorIs(t, err, keyguard.ErrKeyNotFound)

	_, err = svc.GenerateKey(ctx, "app")
	require.NoError(t, err)

	meta, err := svc.DescribeKey(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "app", meta.KeyID)
	assert.Equal(t, keyType, meta.Algorithm)
	assert.Equal(t, keyguard.KeyStateEnabled, meta.KeyState)
	assert.Equal(t, time.Unix(createdUnix, 0).UTC(), meta.CreatedAt)
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	keys, err := svc.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, name := range []string{"b", "a"} {
		_, err := svc.GenerateKey(ctx, name)
		require.NoError(t, err)
	}

	keys, err = svc.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "a", keys[0].KeyID)
	assert.Equal(t, "b", keys[1].KeyID)
}

func TestDeleteLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, fake := newTestService(t)

	_, err := svc.GenerateKey(ctx, "old")
	require.NoError(t, err)
	ct, err := svc.Encrypt(ctx, "old", []byte("secret"))
	require.NoError(t, err)

	// Purge requires a prior DeleteKey.
	assert.ErrorIs(t, svc.Purge(ctx, "old"), keyguard.ErrInvalidConfiguration)

	require.NoError(t, svc.DeleteKey(ctx, "old"))
	assert.Contains(t, fake.keys, "old", "material survives until purged")
	meta, err := svc.DescribeKey(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, keyguard.KeyStatePendingDeletion, meta.KeyState)

	_, err = svc.Encrypt(ctx, "old", []byte("x"))
	assert.ErrorIs(t, err, keyguard.ErrKeyNotFound)
	_, err = svc.Decrypt(ctx, "old", ct)
	assert.ErrorIs(t, err, keyguard.ErrKeyNotFound)

	require.NoError(t, svc.CancelKeyDeletion(ctx, "old"))
	pt, err := svc.Decrypt(ctx, "old", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	require.NoError(t, svc.DeleteKey(ctx, "old"))
	require.NoError(t, svc.Purge(ctx, "old"))
	assert.NotContains(t, fake.keys, "old")

	assert.ErrorIs(t, svc.DeleteKey(ctx, "old"), keyguard.ErrKeyNotFound)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	svc, fake := newTestService(t)
	fake.failWith = http.StatusServiceUnavailable

	_, err := svc.DescribeKey(context.Background(), "app")
	assert.ErrorIs(t, err, keyguard.ErrBackendUnavailable)
	assert.True(t, keyguard.IsRetryableError(err))
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("address required", func(t *testing.T) {
		_, stop, err := NewClient(ctx, ClientConfig{Token: "t"})
		assert.ErrorIs(t, err, keyguard.ErrInvalidConfiguration)
		assert.NotNil(t, stop)
	})

	t.Run("no auth method", func(t *testing.T) {
		_, _, err := NewClient(ctx, ClientConfig{Address: "http://127.0.0.1:8200"})
		assert.ErrorIs(t, err, keyguard.ErrInvalidConfiguration)
	})

	t.Run("token", func(t *testing.T) {
		client, stop, err := NewClient(ctx, ClientConfig{Address: "http://127.0.0.1:8200", Token: "root", Namespace: "admin"})
		require.NoError(t, err)
		defer stop()
		assert.Equal(t, "root", client.Token())
		assert.Equal(t, "admin", client.Namespace())
	})

	t.Run("approle", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"auth": map[string]any{
				"client_token": "approle-token",
				"renewable":    false,
			}})
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		client, stop, err := NewClient(ctx, ClientConfig{Address: server.URL, RoleID: "role", SecretID: "secret"})
		require.NoError(t, err)
		defer stop()
		assert.Equal(t, "approle-token", client.Token())
	})
}
