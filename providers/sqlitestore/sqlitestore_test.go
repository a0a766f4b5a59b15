package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.PutSecret(ctx, "data-keys/k", []byte{0x00, 0xff}))
	got, err := store.GetSecret(ctx, "data-keys/k")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, got)

	require.NoError(t, store.PutSecret(ctx, "data-keys/k", []byte("v2")))
	got, err = store.GetSecret(ctx, "data-keys/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	_, err = store.GetSecret(ctx, "data-keys/missing")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)
}

func TestListSecrets_LiteralPrefix(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, p := range []string{"jwt-keys/jwt_key_2", "jwt-keys/jwt_key_1", "jwt-keysXother", "data-keys/a"} {
		require.NoError(t, store.PutSecret(ctx, p, []byte("v")))
	}

	paths, err := store.ListSecrets(ctx, "jwt-keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt-keys/jwt_key_1", "jwt-keys/jwt_key_2"}, paths)

	// "_" would be a wildcard under LIKE.
	paths, err = store.ListSecrets(ctx, "jwt-keys/jwt_key_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt-keys/jwt_key_1"}, paths)

	paths, err = store.ListSecrets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestDeleteSecret(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.PutSecret(ctx, "a", []byte("v")))
	require.NoError(t, store.DeleteSecret(ctx, "a"))
	require.NoError(t, store.DeleteSecret(ctx, "a"))

	_, err := store.GetSecret(ctx, "a")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.PutSecret(ctx, "jwt-keys/k", []byte("wrapped")))
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetSecret(ctx, "jwt-keys/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), got)
	assert.Equal(t, path, store.Path())
	assert.NoError(t, store.Ping(ctx))
}

func TestPutSecret_EmptyPath(t *testing.T) {
	store := openTestStore(t)
	assert.ErrorIs(t, store.PutSecret(context.Background(), "", []byte("v")), keyguard.ErrInvalidConfiguration)
}
