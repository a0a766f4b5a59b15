package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/hengadev/keyguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", AlgorithmGCM, false},
		{"aes-256-gcm", AlgorithmGCM, false},
		{"AES-256-CBC", AlgorithmCBC, false},
		{"aes-128-ecb", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, keyguard.ErrUnsupportedAlgorithm)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDataEncryption_RoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		alg       Algorithm
		plaintext []byte
		ivSize    int
		tagSize   int
	}{
		{"gcm", AlgorithmGCM, []byte("123-45-6789"), GCMNonceSize, GCMTagSize},
		{"gcm empty", AlgorithmGCM, []byte{}, GCMNonceSize, GCMTagSize},
		{"cbc", AlgorithmCBC, []byte("123-45-6789"), CBCIVSize, 0},
		{"cbc block aligned", AlgorithmCBC, make([]byte, 32), CBCIVSize, 0},
		{"large", AlgorithmGCM, make([]byte, 10000), GCMNonceSize, GCMTagSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := NewDataEncryption(tt.alg)
			sealed, err := de.EncryptData(key, tt.plaintext, []byte("aad"))
			require.NoError(t, err)
			assert.Len(t, sealed.IV, tt.ivSize)
			assert.Len(t, sealed.Tag, tt.tagSize)

			pt, err := de.DecryptData(key, sealed, []byte("aad"))
			require.NoError(t, err)
			assert.Equal(t, len(tt.plaintext), len(pt))
			assert.Equal(t, string(tt.plaintext), string(pt))

			// Bytes/Split round-trip
			split, err := Split(tt.alg, sealed.Bytes())
			require.NoError(t, err)
			pt, err = de.DecryptData(key, split, []byte("aad"))
			require.NoError(t, err)
			assert.Equal(t, string(tt.plaintext), string(pt))
		})
	}
}

func TestDataEncryption_FreshIV(t *testing.T) {
	de := NewDataEncryption(AlgorithmGCM)
	key := testKey(t)

	a, err := de.EncryptData(key, []byte("same"), nil)
	require.NoError(t, err)
	b, err := de.EncryptData(key, []byte("same"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDataEncryption_Tamper(t *testing.T) {
	de := NewDataEncryption(AlgorithmGCM)
	key := testKey(t)

	sealed, err := de.EncryptData(key, []byte("sensitive"), []byte("key-1"))
	require.NoError(t, err)

	t.Run("flipped ciphertext", func(t *testing.T) {
		bad := sealed
		bad.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
		bad.Ciphertext[0] ^= 0x01
		_, err := de.DecryptData(key, bad, []byte("key-1"))
		assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
	})

	t.Run("wrong aad", func(t *testing.T) {
		_, err := de.DecryptData(key, sealed, []byte("key-2"))
		assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := de.DecryptData(testKey(t), sealed, []byte("key-1"))
		assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
	})

	t.Run("truncated tag", func(t *testing.T) {
		bad := sealed
		bad.Tag = sealed.Tag[:8]
		_, err := de.DecryptData(key, bad, []byte("key-1"))
		assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
	})
}

func TestDataEncryption_CBCBadPadding(t *testing.T) {
	de := NewDataEncryption(AlgorithmCBC)
	key := testKey(t)

	_, err := de.DecryptData(key, Sealed{IV: make([]byte, CBCIVSize), Ciphertext: make([]byte, 15)}, nil)
	assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
}

func TestDataEncryption_InvalidKey(t *testing.T) {
	de := NewDataEncryption(AlgorithmGCM)
	_, err := de.EncryptData([]byte("short"), []byte("x"), nil)
	assert.ErrorIs(t, err, keyguard.ErrEncryptionFailed)
}

func TestSplit_TooShort(t *testing.T) {
	_, err := Split(AlgorithmGCM, make([]byte, 10))
	assert.ErrorIs(t, err, keyguard.ErrAuthenticationFailed)
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 40; n++ {
		data := make([]byte, n)
		padded := pkcs7Pad(data, 16)
		assert.Zero(t, len(padded)%16)
		out, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Len(t, out, n)
	}
}
