package keyguard

// This file provides test utilities for use in examples and external testing.

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemorySecretStore is a SecretStore backed by a map. It is intended for
// tests and examples; nothing survives the process.
type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte

	// FailWrites makes PutSecret and DeleteSecret fail with ErrPersistenceFailure.
	FailWrites bool
}

// NewInMemorySecretStore creates an empty in-memory secret store.
func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string][]byte)}
}

func (s *InMemorySecretStore) PutSecret(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrPersistenceFailure
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.secrets[path] = stored
	return nil
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[path]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *InMemorySecretStore) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for p := range s.secrets {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *InMemorySecretStore) DeleteSecret(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrPersistenceFailure
	}
	delete(s.secrets, path)
	return nil
}

// Len returns the number of stored secrets.
func (s *InMemorySecretStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

// SetFailWrites toggles write failures under the store lock.
func (s *InMemorySecretStore) SetFailWrites(fail bool) {
	s.mu.Lock()
	s.FailWrites = fail
	s.mu.Unlock()
}
