package testutil

import (
	"context"

	"github.com/dgellow/authbroker/internal/storage"
	"github.com/stretchr/testify/mock"
)

// MockCredentialStore is a testify mock of storage.CredentialStore.
type MockCredentialStore struct {
	mock.Mock
}

var _ storage.CredentialStore = (*MockCredentialStore)(nil)

func (m *MockCredentialStore) Get(ctx context.Context, key string) (*storage.StoredCredential, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.StoredCredential), args.Error(1)
}

func (m *MockCredentialStore) Put(ctx context.Context, key string, cred *storage.StoredCredential) error {
	args := m.Called(ctx, key, cred)
	return args.Error(0)
}

func (m *MockCredentialStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockCredentialStore) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCredentialStore) DeleteExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockCredentialStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
