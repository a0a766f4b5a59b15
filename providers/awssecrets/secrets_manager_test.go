package awssecrets

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSecretsManagerClient keeps secrets in a map and pages listings two at a time.
type mockSecretsManagerClient struct {
	secrets map[string][]byte
	creates int
	err     error
}

func newMockClient() *mockSecretsManagerClient {
	return &mockSecretsManagerClient{secrets: make(map[string][]byte)}
}

func notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}

func (m *mockSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.creates++
	m.secrets[*params.Name] = params.SecretBinary
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (m *mockSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.secrets[*params.SecretId]
	if !ok {
		return nil, notFound()
	}
	return &secretsmanager.GetSecretValueOutput{Name: params.SecretId, SecretBinary: v}, nil
}

func (m *mockSecretsManagerClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.secrets[*params.SecretId]; !ok {
		return nil, notFound()
	}
	m.secrets[*params.SecretId] = params.SecretBinary
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (m *mockSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	prefix := strings.ToLower(params.Filters[0].Values[0])
	var names []string
	for name := range m.secrets {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if params.NextToken != nil {
		for i, n := range names {
			if n == *params.NextToken {
				start = i
			}
		}
	}
	end := start + 2
	out := &secretsmanager.ListSecretsOutput{}
	if end < len(names) {
		out.NextToken = aws.String(names[end])
	} else {
		end = len(names)
	}
	for _, n := range names[start:end] {
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(n)})
	}
	return out, nil
}

func (m *mockSecretsManagerClient) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.secrets[*params.SecretId]; !ok {
		return nil, notFound()
	}
	delete(m.secrets, *params.SecretId)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func TestSecretName(t *testing.T) {
	store := newWithClient(newMockClient(), "us-east-1", "")
	assert.Equal(t, "keyguard/jwt-keys/k1", store.SecretName("jwt-keys/k1"))
	assert.Equal(t, "us-east-1", store.Region())
}

func TestPutSecret_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	store := newWithClient(client, "", "")

	require.NoError(t, store.PutSecret(ctx, "data-keys/k", []byte("v1")))
	require.NoError(t, store.PutSecret(ctx, "data-keys/k", []byte("v2")))
	assert.Equal(t, 1, client.creates)

	got, err := store.GetSecret(ctx, "data-keys/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestGetSecret_NotFound(t *testing.T) {
	store := newWithClient(newMockClient(), "", "")
	_, err := store.GetSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)
}

func TestListSecrets(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	store := newWithClient(client, "", "")

	for _, p := range []string{"jwt-keys/c", "jwt-keys/a", "jwt-keys/b", "data-keys/x"} {
		require.NoError(t, store.PutSecret(ctx, p, []byte("v")))
	}
	// Differs only in case; the service-side filter would match it.
	client.secrets["keyguard/JWT-KEYS/z"] = []byte("v")

	paths, err := store.ListSecrets(ctx, "jwt-keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt-keys/a", "jwt-keys/b", "jwt-keys/c"}, paths)
}

func TestDeleteSecret(t *testing.T) {
	ctx := context.Background()
	store := newWithClient(newMockClient(), "", "")

	require.NoError(t, store.PutSecret(ctx, "jwt-keys/a", []byte("v")))
	require.NoError(t, store.DeleteSecret(ctx, "jwt-keys/a"))
	assert.NoError(t, store.DeleteSecret(ctx, "jwt-keys/a"))

	_, err := store.GetSecret(ctx, "jwt-keys/a")
	assert.ErrorIs(t, err, keyguard.ErrSecretNotFound)
}

func TestFailuresArePersistenceErrors(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	client.err = errors.New("throttled")
	store := newWithClient(client, "", "")

	assert.ErrorIs(t, store.PutSecret(ctx, "a", []byte("v")), keyguard.ErrPersistenceFailure)
	_, err := store.GetSecret(ctx, "a")
	assert.ErrorIs(t, err, keyguard.ErrPersistenceFailure)
	_, err = store.ListSecrets(ctx, "")
	assert.ErrorIs(t, err, keyguard.ErrPersistenceFailure)
	assert.ErrorIs(t, store.DeleteSecret(ctx, "a"), keyguard.ErrPersistenceFailure)
}
