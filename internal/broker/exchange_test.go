package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchangeRequest() AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:     "integration-key",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:3000/auth/callback",
		State:        "S",
	}
}

func TestExchangeCodeForToken(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"tok","refresh_token":"ref","expires_in":3600}`)
		b := newTestBroker(t, te.URL())

		cred, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.AccessToken)
		assert.Equal(t, "ref", cred.RefreshToken)
		assert.WithinDuration(t, time.Now().Add(time.Hour), cred.Expiry, 10*time.Second)
	})

	t.Run("no expires_in", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"tok","token_type":"Bearer","scope":"signature impersonation"}`)
		b := newTestBroker(t, te.URL())

		cred, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
		require.NoError(t, err)
		assert.True(t, cred.Expiry.IsZero())
		assert.Empty(t, cred.RefreshToken)
		assert.Equal(t, "signature impersonation", cred.Scope)
		assert.True(t, cred.Valid())
		assert.False(t, cred.ExpiresWithin(time.Hour))
	})

	t.Run("header auth style", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"tok"}`)
		b, err := New(Options{
			AuthorizationURL: "https://account-d.example.com/oauth/auth",
			TokenURL:         te.URL(),
			AuthStyle:        "header",
		})
		require.NoError(t, err)

		_, err = b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
		require.NoError(t, err)

		user, pass := te.basicAuth()
		assert.Equal(t, "integration-key", user)
		assert.Equal(t, "client-secret", pass)
		assert.Empty(t, te.form().Get("client_secret"))
	})

	t.Run("id token subject", func(t *testing.T) {
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "4f2a1c7e-user",
			"aud": "integration-key",
		}).SignedString([]byte("irrelevant-signing-key"))
		require.NoError(t, err)

		te := newTokenEndpoint(t, http.StatusOK, tokenJSON(t, map[string]any{
			"access_token": "tok",
			"id_token":     idToken,
		}))
		b := newTestBroker(t, te.URL())

		cred, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
		require.NoError(t, err)
		assert.Equal(t, idToken, cred.IDToken)
		assert.Equal(t, "4f2a1c7e-user", cred.Subject)
	})

	t.Run("garbage id token is ignored", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"tok","id_token":"not-a-jwt"}`)
		b := newTestBroker(t, te.URL())

		cred, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
		require.NoError(t, err)
		assert.Empty(t, cred.Subject)
	})
}

func TestExchangeCodeForToken_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantStatus int
	}{
		{
			name:       "invalid grant",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_grant"}`,
			wantKind:   KindTokenExchangeFailed,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "server error",
			status:     http.StatusInternalServerError,
			body:       `upstream exploded`,
			wantKind:   KindTokenExchangeFailed,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:     "not json",
			status:   http.StatusOK,
			body:     `<html>gateway</html>`,
			wantKind: KindMalformedTokenResponse,
		},
		{
			name:     "missing access token",
			status:   http.StatusOK,
			body:     `{"token_type":"Bearer"}`,
			wantKind: KindMalformedTokenResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTokenEndpoint(t, tt.status, tt.body)
			b := newTestBroker(t, te.URL())

			cred, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
			require.Error(t, err)
			assert.Empty(t, cred.AccessToken)

			var brokerErr *Error
			require.True(t, errors.As(err, &brokerErr))
			assert.Equal(t, tt.wantKind, brokerErr.Kind)
			assert.Equal(t, tt.wantStatus, brokerErr.Status)
			if tt.wantKind == KindTokenExchangeFailed {
				assert.Equal(t, tt.body, brokerErr.Body)
			}
			assert.Equal(t, int32(1), te.calls.Load())
		})
	}
}

func TestExchangeCodeForToken_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL + "/oauth/token"
	srv.Close()

	b := newTestBroker(t, tokenURL)
	_, err := b.ExchangeCodeForToken(context.Background(), "ABC123", exchangeRequest())
	require.Error(t, err)

	var brokerErr *Error
	require.True(t, errors.As(err, &brokerErr))
	assert.Equal(t, KindTokenExchangeFailed, brokerErr.Kind)
	assert.Equal(t, 0, brokerErr.Status)
	assert.NotNil(t, errors.Unwrap(brokerErr))
}

func TestRefresh(t *testing.T) {
	t.Run("keeps refresh token when not rotated", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"new-tok","expires_in":3600}`)
		b := newTestBroker(t, te.URL())

		cred, err := b.Refresh(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, "new-tok", cred.AccessToken)
		assert.Equal(t, "ref", cred.RefreshToken)

		form := te.form()
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "ref", form.Get("refresh_token"))
		assert.Equal(t, "integration-key", form.Get("client_id"))
		assert.Equal(t, "client-secret", form.Get("client_secret"))
	})

	t.Run("rotated refresh token", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusOK, `{"access_token":"new-tok","refresh_token":"ref-2"}`)
		b := newTestBroker(t, te.URL())

		cred, err := b.Refresh(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, "ref-2", cred.RefreshToken)
	})

	t.Run("rejected", func(t *testing.T) {
		te := newTokenEndpoint(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)
		b := newTestBroker(t, te.URL())

		_, err := b.Refresh(context.Background(), "ref")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTokenExchangeFailed))

		var brokerErr *Error
		require.True(t, errors.As(err, &brokerErr))
		assert.Equal(t, http.StatusUnauthorized, brokerErr.Status)
	})

	t.Run("requires refresh token", func(t *testing.T) {
		b := newTestBroker(t, "https://example.com/token")
		_, err := b.Refresh(context.Background(), "")
		assert.EqualError(t, err, "refresh token is required")
	})
}
