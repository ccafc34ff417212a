package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dgellow/authbroker/internal/config"
	"github.com/dgellow/authbroker/internal/crypto"
)

// ErrCredentialNotFound is returned when no credential is stored under a key
var ErrCredentialNotFound = errors.New("credential not found")

// StoredCredential is a token credential plus the account it was issued for
type StoredCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Subject      string    `json:"subject,omitempty"`

	AccountID   string `json:"account_id,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	BaseURI     string `json:"base_uri,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (c *StoredCredential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Dead reports whether the credential is expired and cannot be refreshed.
func (c *StoredCredential) Dead(now time.Time) bool {
	return c.Expired(now) && c.RefreshToken == ""
}

// CredentialStore persists credentials by key.
// Delete is idempotent; List returns keys in ascending order.
type CredentialStore interface {
	Get(ctx context.Context, key string) (*StoredCredential, error)
	Put(ctx context.Context, key string, cred *StoredCredential) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	DeleteExpired(ctx context.Context) (int, error)
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateKey checks that key is usable by every backend.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid credential key %q: use 1-128 letters, digits, '.', '_' or '-'", key)
	}
	return nil
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (CredentialStore, error) {
	switch cfg.Kind {
	case config.StorageKindMemory:
		return NewMemoryStore(), nil
	case config.StorageKindSQLite:
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		return OpenSQLite(ctx, cfg.Path, encryptor)
	case config.StorageKindFirestore:
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		return NewFirestoreStore(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection, encryptor)
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", cfg.Kind)
	}
}
