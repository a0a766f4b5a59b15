package crypto

import (
	"context"
	"testing"

	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockKMSService is a mock implementation of keyguard.KeyManagementService
type MockKMSService struct {
	mock.Mock
}

func (m *MockKMSService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, plaintext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockKMSService) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, ciphertext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockKMSService) GenerateKey(ctx context.Context, alias string) (string, error) {
	args := m.Called(ctx, alias)
	return args.String(0), args.Error(1)
}

func (m *MockKMSService) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	args := m.Called(ctx, keyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*keyguard.KeyMetadata), args.Error(1)
}

func (m *MockKMSService) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	args := m.Called(ctx)
	return args.Get(0).([]keyguard.KeyMetadata), args.Error(1)
}

func (m *MockKMSService) DeleteKey(ctx context.Context, keyID string) error {
	return m.Called(ctx, keyID).Error(0)
}

func TestDEKOperations_GenerateDEK(t *testing.T) {
	dekOps := NewDEKOperations(&MockKMSService{})

	dek, err := dekOps.GenerateDEK(KeySize)
	require.NoError(t, err)
	assert.Len(t, dek, KeySize)

	// Generate multiple DEKs to ensure they're different (randomness test)
	dek2, err := dekOps.GenerateDEK(KeySize)
	require.NoError(t, err)
	assert.NotEqual(t, dek, dek2, "Generated DEKs should be different")

	_, err = dekOps.GenerateDEK(8)
	assert.ErrorIs(t, err, keyguard.ErrEncryptionFailed)
}

func TestDEKOperations_WrapUnwrap(t *testing.T) {
	mockKMS := &MockKMSService{}
	dekOps := NewDEKOperations(mockKMS)
	ctx := context.Background()

	dek := []byte("test-dek-32-bytes-for-encryption")
	wrapped := []byte("wrapped-dek")

	mockKMS.On("Encrypt", ctx, "master", dek).Return(wrapped, nil)
	mockKMS.On("Decrypt", ctx, "master", wrapped).Return(dek, nil)

	got, err := dekOps.WrapDEK(ctx, "master", dek)
	require.NoError(t, err)
	assert.Equal(t, wrapped, got)

	unwrapped, err := dekOps.UnwrapDEK(ctx, "master", got)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)

	mockKMS.AssertExpectations(t)
}

func TestDEKOperations_PreservesErrorClass(t *testing.T) {
	mockKMS := &MockKMSService{}
	dekOps := NewDEKOperations(mockKMS)
	ctx := context.Background()

	mockKMS.On("Encrypt", ctx, "master", mock.Anything).Return(nil, keyguard.ErrBackendUnavailable)
	mockKMS.On("Decrypt", ctx, "master", mock.Anything).Return(nil, keyguard.ErrAuthenticationFailed)

	_, err := dekOps.WrapDEK(ctx, "master", []byte("dek"))
	assert.True(t, keyguard.IsRetryableError(err))

	_, err = dekOps.UnwrapDEK(ctx, "master", []byte("bad"))
	assert.True(t, keyguard.IsAuthError(err))
}
