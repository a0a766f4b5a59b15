package vaultkv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV serves the KV v2 data and metadata endpoints under secret/keyguard.
type fakeKV struct {
	mu       sync.Mutex
	values   map[string]string // path → base64 value
	failWith int
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != 0 {
		writeJSON(w, f.failWith, map[string]any{"errors": []string{"injected failure"}})
		return
	}

	const dataPrefix, metaPrefix = "/v1/secret/data/keyguard/", "/v1/secret/metadata/keyguard/"
	switch {
	case strings.HasPrefix(r.URL.Path, dataPrefix):
		path := strings.TrimPrefix(r.URL.Path, dataPrefix)
		if r.Method == http.MethodGet {
			v, ok := f.values[path]
			if !ok {
				notFound(w)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"data":     map[string]any{"value": v},
				"metadata": map[string]any{"version": 1},
			}})
			return
		}
		var body struct {
			Data map[string]string `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.values[path] = body.Data["value"]
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"version": 1}})

	case strings.HasPrefix(r.URL.Path, metaPrefix):
		path := strings.TrimPrefix(r.URL.Path, metaPrefix)
		if r.Method == http.MethodDelete {
			if _, ok := f.values[path]; !ok {
				notFound(w)
				return
			}
			delete(f.values, path)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		seen := map[string]bool{}
		for p := range f.values {
			if !strings.HasPrefix(p, path) {
				continue
			}
			rest := p[len(path):]
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i+1]
			}
			seen[rest] = true
		}
		if len(seen) == 0 {
			notFound(w)
			return
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})

	default:
		notFound(w)
	}
}

func newTestStore(t *testing.T) (*KVStore, *fakeKV) {
	t.Helper()
	fake := &fakeKV{values: make(map[string]string)}
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

func TestDataPath(t *testing.T) {
	store := New(&api.Client{}, Config{Mount: "/kv/"})
	assert.Equal(t, "kv/data/keyguard/jwt-keys/k1", store.DataPath("jwt-keys/k1"))
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.PutSecret(ctx, "data-keys/database-encryption-key", []byte{0x00, 0x01, 0xff}))

	got, err := store.GetSecret(ctx, "data-keys/database-encryption-key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, got)

	_, err = store.GetSecret(ctx, "data-keys/missing")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)

	assert.ErrorIs(t, store.PutSecret(ctx, "", []byte("x")), keyguard.ErrInvalidConfiguration)
}

func TestListSecrets(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, p := range []string{
		"jwt-keys/jwt_key_2",
		"jwt-keys/jwt_key_1",
		"data-keys/database-encryption-key",
		"local-kms/keys/abc",
	} {
		require.NoError(t, store.PutSecret(ctx, p, []byte("v")))
	}

	paths, err := store.ListSecrets(ctx, "jwt-keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt-keys/jwt_key_1", "jwt-keys/jwt_key_2"}, paths)

	paths, err = store.ListSecrets(ctx, "local-kms/")
	require.NoError(t, err)
	assert.Equal(t, []string{"local-kms/keys/abc"}, paths)

	paths, err = store.ListSecrets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, paths, 4)

	paths, err = store.ListSecrets(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDeleteSecret(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.PutSecret(ctx, "jwt-keys/k", []byte("v")))
	require.NoError(t, store.DeleteSecret(ctx, "jwt-keys/k"))

	_, err := store.GetSecret(ctx, "jwt-keys/k")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)

	// Deleting again is not an error.
	assert.NoError(t, store.DeleteSecret(ctx, "jwt-keys/k"))
}

func TestServerFailure(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)
	fake.failWith = http.StatusInternalServerError

	assert.ErrorIs(t, store.PutSecret(ctx, "a", []byte("v")), keyguard.ErrPersistenceFailure)
	_, err := store.GetSecret(ctx, "a")
	assert.ErrorIs(t, err, keyguard.ErrPersistenceFailure)
	_, err = store.ListSecrets(ctx, "")
	assert.ErrorIs(t, err, keyguard.ErrPersistenceFailure)
	assert.ErrorIs(t, store.DeleteSecret(ctx, "a"), keyguard.ErrPersistenceFailure)
}
