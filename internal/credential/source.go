package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/authbroker/internal/broker"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/storage"
	"golang.org/x/sync/singleflight"
)

// TokenRefreshThreshold is how long before expiry a credential is refreshed.
// Refreshing early keeps a token from expiring halfway through a sequence of API calls.
const TokenRefreshThreshold = 5 * time.Minute

// ErrReauthorizationRequired means the stored credential is expired and has
// no refresh token, so the user has to go through the browser flow again.
var ErrReauthorizationRequired = errors.New("credential expired and cannot be refreshed")

// Refresher trades a refresh token for a new credential. *broker.Broker implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (broker.TokenCredential, error)
}

// Account identifies the API account a credential is used against.
type Account struct {
	ID      string
	Name    string
	BaseURI string
}

// Source hands out a usable credential for one key, refreshing it when
// it is close to expiry. Concurrent callers share a single refresh.
type Source struct {
	store     storage.CredentialStore
	refresher Refresher
	key       string
	threshold time.Duration
	group     singleflight.Group
}

// NewSource creates a source for key. A threshold of zero uses TokenRefreshThreshold.
func NewSource(store storage.CredentialStore, refresher Refresher, key string, threshold time.Duration) *Source {
	if threshold <= 0 {
		threshold = TokenRefreshThreshold
	}
	return &Source{
		store:     store,
		refresher: refresher,
		key:       key,
		threshold: threshold,
	}
}

// Key is the storage key this source reads and writes.
func (s *Source) Key() string { return s.key }

// Save stores the result of a completed authorization flow.
func (s *Source) Save(ctx context.Context, cred broker.TokenCredential, account Account) (*storage.StoredCredential, error) {
	stored := &storage.StoredCredential{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
		Scope:        cred.Scope,
		Subject:      cred.Subject,
		AccountID:    account.ID,
		AccountName:  account.Name,
		BaseURI:      account.BaseURI,
		UpdatedAt:    time.Now(),
	}
	if err := s.store.Put(ctx, s.key, stored); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	log.LogInfoWithFields("credential", "Credential stored", map[string]any{
		"key":        s.key,
		"expiry":     stored.Expiry,
		"account_id": stored.AccountID,
	})
	return stored, nil
}

// Stored returns the credential as persisted, without refreshing it.
func (s *Source) Stored(ctx context.Context) (*storage.StoredCredential, error) {
	return s.store.Get(ctx, s.key)
}

// Token returns a credential that is valid for at least the threshold,
// refreshing it first when needed.
func (s *Source) Token(ctx context.Context) (*storage.StoredCredential, error) {
	stored, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}

	current := tokenCredential(stored)
	if !current.ExpiresWithin(s.threshold) {
		return stored, nil
	}

	if stored.RefreshToken == "" {
		if !current.Valid() {
			return nil, ErrReauthorizationRequired
		}
		// Still usable for a little while and nothing else to do
		return stored, nil
	}

	return s.refresh(ctx)
}

func tokenCredential(stored *storage.StoredCredential) broker.TokenCredential {
	return broker.TokenCredential{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
		Scope:        stored.Scope,
		Subject:      stored.Subject,
	}
}

// Refresh forces a refresh regardless of expiry.
func (s *Source) Refresh(ctx context.Context) (*storage.StoredCredential, error) {
	return s.refresh(ctx)
}

func (s *Source) refresh(ctx context.Context) (*storage.StoredCredential, error) {
	// Detach from the first caller's cancellation: other callers share this result.
	refreshCtx := context.WithoutCancel(ctx)

	v, err, shared := s.group.Do(s.key, func() (any, error) {
		current, err := s.store.Get(refreshCtx, s.key)
		if err != nil {
			return nil, err
		}
		if current.RefreshToken == "" {
			return nil, ErrReauthorizationRequired
		}

		cred, err := s.refresher.Refresh(refreshCtx, current.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refreshing credential %q: %w", s.key, err)
		}

		updated := *current
		updated.AccessToken = cred.AccessToken
		updated.RefreshToken = cred.RefreshToken
		updated.TokenType = cred.TokenType
		updated.Expiry = cred.Expiry
		if cred.Scope != "" {
			updated.Scope = cred.Scope
		}
		if cred.Subject != "" {
			updated.Subject = cred.Subject
		}
		updated.UpdatedAt = time.Now()

		if err := s.store.Put(refreshCtx, s.key, &updated); err != nil {
			return nil, fmt.Errorf("failed to store refreshed credential: %w", err)
		}
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}

	log.LogDebugWithFields("credential", "Credential refreshed", map[string]any{
		"key":    s.key,
		"shared": shared,
	})

	// Hand each caller its own copy
	cred := *v.(*storage.StoredCredential)
	return &cred, nil
}
