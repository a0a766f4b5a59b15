package keyguard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncryptedData is the at-rest representation of one encrypted field. All
// byte fields are standard base64. Tag is empty for non-authenticated modes.
type EncryptedData struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag,omitempty"`
	KeyID     string `json:"keyId"`
}

// Marshal returns the JSON object string stored in text columns.
func (d EncryptedData) Marshal() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("%w: failed to serialize encrypted data: %w", ErrInvalidFormat, err)
	}
	return string(b), nil
}

// Decode returns the raw ciphertext, IV and tag bytes.
func (d EncryptedData) Decode() (ciphertext, iv, tag []byte, err error) {
	if ciphertext, err = base64.StdEncoding.DecodeString(d.Encrypted); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: encrypted is not valid base64: %w", ErrInvalidFormat, err)
	}
	if iv, err = base64.StdEncoding.DecodeString(d.IV); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv is not valid base64: %w", ErrInvalidFormat, err)
	}
	if d.Tag != "" {
		if tag, err = base64.StdEncoding.DecodeString(d.Tag); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: tag is not valid base64: %w", ErrInvalidFormat, err)
		}
	}
	return ciphertext, iv, tag, nil
}

// NewEncryptedData base64-encodes the parts of one encryption result.
func NewEncryptedData(keyID string, ciphertext, iv, tag []byte) EncryptedData {
	d := EncryptedData{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		KeyID:     keyID,
	}
	if len(tag) > 0 {
		d.Tag = base64.StdEncoding.EncodeToString(tag)
	}
	return d
}

// ParseEncryptedData parses a stored column value. The boolean is false for
// anything that is not a JSON object carrying non-empty encrypted, iv and
// keyId members; such values are plaintext.
func ParseEncryptedData(s string) (EncryptedData, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' {
		return EncryptedData{}, false
	}
	var d EncryptedData
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return EncryptedData{}, false
	}
	if d.Encrypted == "" || d.IV == "" || d.KeyID == "" {
		return EncryptedData{}, false
	}
	return d, true
}

// IsEncrypted reports whether s looks like a stored EncryptedData value.
func IsEncrypted(s string) bool {
	_, ok := ParseEncryptedData(s)
	return ok
}
