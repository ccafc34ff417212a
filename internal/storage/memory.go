package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Ensure MemoryStore implements CredentialStore
var _ CredentialStore = (*MemoryStore)(nil)

// MemoryStore keeps credentials in process memory. Values are copied on the
// way in and out so callers never share a *StoredCredential with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]StoredCredential
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]StoredCredential),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*StoredCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[key]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, cred *StoredCredential) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}
	stored := *cred
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[key] = stored
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.credentials))
	for key := range s.credentials {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, cred := range s.credentials {
		if cred.Dead(now) {
			delete(s.credentials, key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }
