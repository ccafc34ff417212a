package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/authbroker/internal/broker"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/dgellow/authbroker/internal/testutil"
	"github.com/dgellow/authbroker/internal/userinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeRefresher struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	rotate  bool
	lastRef atomic.Value
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (broker.TokenCredential, error) {
	n := f.calls.Add(1)
	f.lastRef.Store(refreshToken)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return broker.TokenCredential{}, f.err
	}
	cred := broker.TokenCredential{
		AccessToken:  "fresh-" + string(rune('0'+n)),
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
	if f.rotate {
		cred.RefreshToken = "rotated"
	}
	return cred, nil
}

func seed(t *testing.T, store storage.CredentialStore, cred *storage.StoredCredential) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), "default", cred))
}

func TestSource_Token(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		src := NewSource(storage.NewMemoryStore(), &fakeRefresher{}, "default", 0)
		_, err := src.Token(ctx)
		assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
	})

	t.Run("fresh credential is returned as is", func(t *testing.T) {
		store := storage.NewMemoryStore()
		refresher := &fakeRefresher{}
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(time.Hour)})

		cred, err := NewSource(store, refresher, "default", 0).Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.AccessToken)
		assert.Equal(t, int32(0), refresher.calls.Load())
	})

	t.Run("no expiry never refreshes", func(t *testing.T) {
		store := storage.NewMemoryStore()
		refresher := &fakeRefresher{}
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref"})

		cred, err := NewSource(store, refresher, "default", 0).Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.AccessToken)
		assert.Equal(t, int32(0), refresher.calls.Load())
	})

	t.Run("refreshes inside threshold and persists", func(t *testing.T) {
		store := storage.NewMemoryStore()
		refresher := &fakeRefresher{rotate: true}
		seed(t, store, &storage.StoredCredential{
			AccessToken:  "tok",
			RefreshToken: "ref",
			Expiry:       time.Now().Add(2 * time.Minute),
			AccountID:    "acct-1",
			BaseURI:      "https://demo.docusign.net",
		})

		cred, err := NewSource(store, refresher, "default", 0).Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh-1", cred.AccessToken)
		assert.Equal(t, "rotated", cred.RefreshToken)
		assert.Equal(t, "ref", refresher.lastRef.Load())

		persisted, err := store.Get(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, "fresh-1", persisted.AccessToken)
		assert.Equal(t, "rotated", persisted.RefreshToken)
		assert.Equal(t, "acct-1", persisted.AccountID)
		assert.Equal(t, "https://demo.docusign.net", persisted.BaseURI)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", Expiry: time.Now().Add(-time.Minute)})

		_, err := NewSource(store, &fakeRefresher{}, "default", 0).Token(ctx)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})

	t.Run("expiring soon without refresh token is still served", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", Expiry: time.Now().Add(time.Minute)})

		cred, err := NewSource(store, &fakeRefresher{}, "default", 0).Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.AccessToken)
	})

	t.Run("expiring soon without an access token", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, &storage.StoredCredential{Expiry: time.Now().Add(time.Minute)})

		_, err := NewSource(store, &fakeRefresher{}, "default", 0).Token(ctx)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})

	t.Run("custom threshold", func(t *testing.T) {
		store := storage.NewMemoryStore()
		refresher := &fakeRefresher{}
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(20 * time.Minute)})

		cred, err := NewSource(store, refresher, "default", 30*time.Minute).Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh-1", cred.AccessToken)
		assert.Equal(t, int32(1), refresher.calls.Load())
	})

	t.Run("refresh failure", func(t *testing.T) {
		store := storage.NewMemoryStore()
		rejected := &broker.Error{Kind: broker.KindTokenExchangeFailed, Status: 400, Body: `{"error":"invalid_grant"}`}
		seed(t, store, &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(-time.Minute)})

		_, err := NewSource(store, &fakeRefresher{err: rejected}, "default", 0).Token(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, broker.ErrTokenExchangeFailed))

		persisted, err := store.Get(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, "tok", persisted.AccessToken)
	})
}

func TestSource_ConcurrentCallersShareRefresh(t *testing.T) {
	store := storage.NewMemoryStore()
	refresher := &fakeRefresher{delay: 50 * time.Millisecond}
	seed(t, store, &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(-time.Minute)})

	src := NewSource(store, refresher, "default", 0)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := src.Token(context.Background())
			if assert.NoError(t, err) {
				results[i] = cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	for _, tok := range results {
		assert.Equal(t, "fresh-1", tok)
	}
}

func TestSource_SaveAndForceRefresh(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	refresher := &fakeRefresher{}
	src := NewSource(store, refresher, "default", time.Minute)
	assert.Equal(t, "default", src.Key())

	stored, err := src.Save(ctx, broker.TokenCredential{
		AccessToken:  "tok",
		RefreshToken: "ref",
		Expiry:       time.Now().Add(time.Hour),
		Subject:      "user-1",
	}, Account{ID: "acct-1", Name: "Acme", BaseURI: "https://demo.docusign.net"})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", stored.AccountID)

	got, err := src.Stored(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)

	refreshed, err := src.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", refreshed.AccessToken)
	assert.Equal(t, "ref", refreshed.RefreshToken)
	assert.Equal(t, "user-1", refreshed.Subject)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	s := Summarize("default", &storage.StoredCredential{
		AccessToken:  "eyJ0eXAiOiJNVCIsImFsZyI6IlJTMjU2In0.payload.sig",
		RefreshToken: "ref",
		Expiry:       now.Add(90 * time.Second),
		AccountID:    "acct-1",
		BaseURI:      "https://demo.docusign.net",
	}, now)

	assert.Equal(t, "eyJ0....sig", s.AccessToken)
	assert.NotContains(t, s.AccessToken, "payload")
	assert.Equal(t, "1m30s", s.ExpiresIn)
	assert.False(t, s.Expired)
	assert.True(t, s.HasRefresh)
	assert.Equal(t, "https://demo.docusign.net/restapi", s.RESTBaseURL)

	expired := Summarize("default", &storage.StoredCredential{AccessToken: "short", Expiry: now.Add(-time.Second)}, now)
	assert.True(t, expired.Expired)
	assert.Empty(t, expired.ExpiresIn)
	assert.Equal(t, "***", expired.AccessToken)
	assert.Empty(t, expired.RESTBaseURL)
}

type fakeLookup struct {
	info *userinfo.Info
	err  error
	got  string
}

func (f *fakeLookup) Fetch(_ context.Context, token *oauth2.Token) (*userinfo.Info, error) {
	f.got = token.AccessToken
	return f.info, f.err
}

func TestSource_Complete(t *testing.T) {
	ctx := context.Background()
	cred := broker.TokenCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(time.Hour)}

	t.Run("stores default account", func(t *testing.T) {
		lookup := &fakeLookup{info: &userinfo.Info{Accounts: []userinfo.Account{
			{ID: "acct-1", Name: "Other"},
			{ID: "acct-2", Name: "Acme", IsDefault: true, BaseURI: "https://eu.docusign.net"},
		}}}
		src := NewSource(storage.NewMemoryStore(), &fakeRefresher{}, "default", 0)

		stored, err := src.Complete(ctx, cred, lookup)
		require.NoError(t, err)
		assert.Equal(t, "tok", lookup.got)
		assert.Equal(t, "acct-2", stored.AccountID)
		assert.Equal(t, "Acme", stored.AccountName)
		assert.Equal(t, "https://eu.docusign.net", stored.BaseURI)
	})

	t.Run("lookup failure still stores token", func(t *testing.T) {
		store := storage.NewMemoryStore()
		src := NewSource(store, &fakeRefresher{}, "default", 0)

		stored, err := src.Complete(ctx, cred, &fakeLookup{err: errors.New("status 500")})
		require.NoError(t, err)
		assert.Empty(t, stored.AccountID)

		persisted, err := store.Get(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, "tok", persisted.AccessToken)
	})

	t.Run("no accounts", func(t *testing.T) {
		src := NewSource(storage.NewMemoryStore(), &fakeRefresher{}, "default", 0)
		stored, err := src.Complete(ctx, cred, &fakeLookup{info: &userinfo.Info{Subject: "u"}})
		require.NoError(t, err)
		assert.Empty(t, stored.AccountID)
	})

	t.Run("nil lookup", func(t *testing.T) {
		src := NewSource(storage.NewMemoryStore(), &fakeRefresher{}, "default", 0)
		stored, err := src.Complete(ctx, cred, nil)
		require.NoError(t, err)
		assert.Equal(t, "ref", stored.RefreshToken)
	})
}

func TestSource_StoreFailures(t *testing.T) {
	ctx := context.Background()
	expiring := &storage.StoredCredential{AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(-time.Minute)}

	t.Run("put fails after refresh", func(t *testing.T) {
		store := &testutil.MockCredentialStore{}
		store.On("Get", mock.Anything, "default").Return(expiring, nil)
		store.On("Put", mock.Anything, "default", mock.AnythingOfType("*storage.StoredCredential")).Return(errors.New("disk full"))

		refresher := &fakeRefresher{}
		_, err := NewSource(store, refresher, "default", 0).Token(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.Equal(t, int32(1), refresher.calls.Load())
		store.AssertExpectations(t)
	})

	t.Run("get fails", func(t *testing.T) {
		store := &testutil.MockCredentialStore{}
		store.On("Get", mock.Anything, "default").Return(nil, errors.New("connection reset"))

		refresher := &fakeRefresher{}
		_, err := NewSource(store, refresher, "default", 0).Token(ctx)
		require.Error(t, err)
		assert.Equal(t, int32(0), refresher.calls.Load())
		store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("save propagates put error", func(t *testing.T) {
		store := &testutil.MockCredentialStore{}
		store.On("Put", mock.Anything, "default", mock.Anything).Return(errors.New("permission denied"))

		_, err := NewSource(store, &fakeRefresher{}, "default", 0).Save(ctx, broker.TokenCredential{AccessToken: "tok"}, Account{})
		assert.ErrorContains(t, err, "permission denied")
	})
}
