package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/hengadev/keyguard"
)

// Algorithm names a symmetric cipher mode with a 256-bit key.
type Algorithm string

const (
	AlgorithmGCM Algorithm = "aes-256-gcm"
	AlgorithmCBC Algorithm = "aes-256-cbc"
)

const (
	KeySize      = 32
	GCMNonceSize = 12
	GCMTagSize   = 16
	CBCIVSize    = aes.BlockSize
)

// ParseAlgorithm accepts the algorithm names case-insensitively; empty means GCM.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", AlgorithmGCM:
		return AlgorithmGCM, nil
	case AlgorithmCBC:
		return AlgorithmCBC, nil
	default:
		return "", fmt.Errorf("%w: %q", keyguard.ErrUnsupportedAlgorithm, s)
	}
}

// IVSize returns the IV length the algorithm uses.
func (a Algorithm) IVSize() int {
	if a == AlgorithmCBC {
		return CBCIVSize
	}
	return GCMNonceSize
}

// Sealed holds the parts of one encryption. Tag is empty for CBC.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Bytes concatenates iv || ciphertext || tag.
func (s Sealed) Bytes() []byte {
	out := make([]byte, 0, len(s.IV)+len(s.Ciphertext)+len(s.Tag))
	out = append(out, s.IV...)
	out = append(out, s.Ciphertext...)
	return append(out, s.Tag...)
}

// Split reverses Sealed.Bytes for the given algorithm.
func Split(alg Algorithm, data []byte) (Sealed, error) {
	ivSize := alg.IVSize()
	tagSize := 0
	if alg == AlgorithmGCM {
		tagSize = GCMTagSize
	}
	if len(data) < ivSize+tagSize {
		return Sealed{}, fmt.Errorf("%w: ciphertext too short", keyguard.ErrAuthenticationFailed)
	}
	return Sealed{
		IV:         data[:ivSize],
		Ciphertext: data[ivSize : len(data)-tagSize],
		Tag:        data[len(data)-tagSize:],
	}, nil
}

// DataEncryption encrypts byte slices under a caller-supplied 256-bit key.
// Every call draws a fresh IV from crypto/rand.
type DataEncryption struct {
	alg  Algorithm
	rand io.Reader
}

// NewDataEncryption creates a new DataEncryption instance
func NewDataEncryption(alg Algorithm) *DataEncryption {
	return &DataEncryption{alg: alg, rand: rand.Reader}
}

func (e *DataEncryption) Algorithm() Algorithm {
	return e.alg
}

// EncryptData encrypts plaintext. aad is authenticated under GCM and ignored
// under CBC.
func (e *DataEncryption) EncryptData(key, plaintext, aad []byte) (Sealed, error) {
	if len(key) != KeySize {
		return Sealed{}, fmt.Errorf("%w: invalid key size %d", keyguard.ErrEncryptionFailed, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: failed to create AES cipher: %w", keyguard.ErrEncryptionFailed, err)
	}

	iv := make([]byte, e.alg.IVSize())
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return Sealed{}, fmt.Errorf("%w: failed to generate IV: %w", keyguard.ErrEncryptionFailed, err)
	}

	switch e.alg {
	case AlgorithmCBC:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		ct := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
		return Sealed{Ciphertext: ct, IV: iv}, nil
	default:
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return Sealed{}, fmt.Errorf("%w: failed to create GCM: %w", keyguard.ErrEncryptionFailed, err)
		}
		out := aesGCM.Seal(nil, iv, plaintext, aad)
		split := len(out) - GCMTagSize
		return Sealed{Ciphertext: out[:split], IV: iv, Tag: out[split:]}, nil
	}
}

// DecryptData reverses EncryptData. Any integrity failure (bad tag, bad
// padding, wrong key) is reported as keyguard.ErrAuthenticationFailed.
func (e *DataEncryption) DecryptData(key []byte, s Sealed, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: invalid key size %d", keyguard.ErrDecryptionFailed, len(key))
	}
	if len(s.IV) != e.alg.IVSize() {
		return nil, fmt.Errorf("%w: invalid IV length %d", keyguard.ErrAuthenticationFailed, len(s.IV))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AES cipher: %w", keyguard.ErrDecryptionFailed, err)
	}

	switch e.alg {
	case AlgorithmCBC:
		if len(s.Ciphertext) == 0 || len(s.Ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", keyguard.ErrAuthenticationFailed)
		}
		pt := make([]byte, len(s.Ciphertext))
		cipher.NewCBCDecrypter(block, s.IV).CryptBlocks(pt, s.Ciphertext)
		return pkcs7Unpad(pt, aes.BlockSize)
	default:
		if len(s.Tag) != GCMTagSize {
			return nil, fmt.Errorf("%w: invalid tag length %d", keyguard.ErrAuthenticationFailed, len(s.Tag))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create GCM: %w", keyguard.ErrDecryptionFailed, err)
		}
		sealed := make([]byte, 0, len(s.Ciphertext)+GCMTagSize)
		sealed = append(sealed, s.Ciphertext...)
		sealed = append(sealed, s.Tag...)
		pt, err := aesGCM.Open(nil, s.IV, sealed, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", keyguard.ErrAuthenticationFailed, err)
		}
		return pt, nil
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty padded data", keyguard.ErrAuthenticationFailed)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", keyguard.ErrAuthenticationFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", keyguard.ErrAuthenticationFailed)
		}
	}
	return data[:len(data)-n], nil
}
