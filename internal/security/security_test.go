package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroBytes(t *testing.T) {
	data := []byte("super-secret-key-material")
	ZeroBytes(data)
	assert.Equal(t, make([]byte, len(data)), data)

	// nil and empty are no-ops
	ZeroBytes(nil)
	ZeroBytes([]byte{})
}

func TestSecureCopy(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := SecureCopy(src)
	require.Equal(t, src, dst)

	dst[0] = 9
	assert.Equal(t, byte(1), src[0])
	assert.Nil(t, SecureCopy(nil))
}

func TestConstantTimeEq(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte("abc"), []byte("abc"), true},
		{"different", []byte("abc"), []byte("abd"), false},
		{"length mismatch", []byte("abc"), []byte("ab"), false},
		{"both empty", nil, []byte{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConstantTimeEq(tt.a, tt.b))
		})
	}
}

func TestGenerateSecureKey(t *testing.T) {
	k1, err := GenerateSecureKey(32)
	require.NoError(t, err)
	k2, err := GenerateSecureKey(32)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.False(t, bytes.Equal(k1, k2))

	_, err = GenerateSecureKey(8)
	assert.Error(t, err)
}
