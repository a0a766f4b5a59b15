package signing

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/security"
)

// ValidMethods lists the signing methods Keyfunc accepts. Pass it to
// jwt.WithValidMethods when parsing.
var ValidMethods = []string{string(HS256), string(HS384), string(HS512)}

// SignToken signs claims with the current key and records its id in the
// kid header.
func (m *Manager) SignToken(claims jwt.Claims) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return "", keyguard.ErrManagerDestroyed
	}
	k, ok := m.keys[m.currentID]
	if !ok || !k.IsActive {
		return "", keyguard.ErrNoActiveKey
	}

	method := jwt.GetSigningMethod(string(k.Algorithm))
	if method == nil {
		return "", fmt.Errorf("%w: %s", keyguard.ErrUnsupportedAlgorithm, k.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = k.ID
	return token.SignedString(k.Key)
}

// Keyfunc resolves the verification key named by the token's kid header. It
// rejects non-HMAC tokens and tokens whose algorithm differs from the key's.
//
//	token, err := jwt.ParseWithClaims(raw, &claims, m.Keyfunc, jwt.WithValidMethods(signing.ValidMethods))
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unexpected signing method %v", keyguard.ErrUnsupportedAlgorithm, token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid header", keyguard.ErrKeyNotFound)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[kid]
	if m.destroyed || !ok || !k.verifiable(m.clock.Now(), m.cfg.RetentionPeriod) {
		return nil, keyguard.NewKeyNotFoundError(kid)
	}
	if token.Method.Alg() != string(k.Algorithm) {
		return nil, fmt.Errorf("%w: key '%s' is %s, token is %s",
			keyguard.ErrUnsupportedAlgorithm, kid, k.Algorithm, token.Method.Alg())
	}
	return security.SecureCopy(k.Key), nil
}
