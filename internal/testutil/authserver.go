// Package testutil provides a local authorization server and browser for
// exercising complete authorization flows in tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/authbroker/internal/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/ory/fosite/handler/openid"
	fositestorage "github.com/ory/fosite/storage"
	"github.com/stretchr/testify/require"
)

// AuthServerConfig registers the single client the server accepts.
type AuthServerConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scopes       []string
	Subject      string
	Email        string
	AccountID    string
	// BaseURI is reported for the user's default account. Empty uses the server's own URL.
	BaseURI string
}

// AuthServer is a fosite-backed authorization server exposing the
// /oauth/auth, /oauth/token and /oauth/userinfo endpoints.
type AuthServer struct {
	*httptest.Server

	cfg      AuthServerConfig
	provider fosite.OAuth2Provider

	deny          atomic.Bool
	authorizeHits atomic.Int32
	tokenHits     atomic.Int32
	userInfoHits  atomic.Int32
}

// NewAuthServer starts an AuthServer and closes it when the test ends.
func NewAuthServer(t *testing.T, cfg AuthServerConfig) *AuthServer {
	t.Helper()

	if cfg.Subject == "" {
		cfg.Subject = "4799e5e9-1559-4915-9862-cf4713bbcacc"
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "f0f50e7c-7b5a-4f2b-8b4e-2bdc7f2b8a11"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"signature", "extended", "openid"}
	}

	hashed, err := crypto.HashClientSecret(cfg.ClientSecret)
	require.NoError(t, err)

	store := fositestorage.NewMemoryStore()
	store.Clients[cfg.ClientID] = &fosite.DefaultClient{
		ID:            cfg.ClientID,
		Secret:        hashed,
		RedirectURIs:  cfg.RedirectURIs,
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		Scopes:        cfg.Scopes,
	}

	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &AuthServer{cfg: cfg}
	s.Server = httptest.NewUnstartedServer(nil)

	fositeConfig := &fosite.Config{
		AccessTokenLifespan:            time.Hour,
		RefreshTokenLifespan:           30 * 24 * time.Hour,
		AuthorizeCodeLifespan:          10 * time.Minute,
		IDTokenLifespan:                time.Hour,
		GlobalSecret:                   secret,
		ScopeStrategy:                  fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:       fosite.DefaultAudienceMatchingStrategy,
		EnablePKCEPlainChallengeMethod: false,
		RefreshTokenScopes:             []string{},
		SendDebugMessagesToClients:     true,
	}
	s.provider = compose.ComposeAllEnabled(fositeConfig, store, key)

	r := chi.NewRouter()
	r.Get("/oauth/auth", s.handleAuthorize)
	r.Post("/oauth/token", s.handleToken)
	r.Get("/oauth/userinfo", s.handleUserInfo)
	s.Server.Config.Handler = r
	s.Server.Start()

	fositeConfig.TokenURL = s.TokenURL()
	if s.cfg.BaseURI == "" {
		s.cfg.BaseURI = s.URL
	}

	t.Cleanup(s.Close)
	return s
}

func (s *AuthServer) AuthorizationURL() string { return s.URL + "/oauth/auth" }
func (s *AuthServer) TokenURL() string         { return s.URL + "/oauth/token" }
func (s *AuthServer) UserInfoURL() string      { return s.URL + "/oauth/userinfo" }

// Deny makes the authorization endpoint refuse consent.
func (s *AuthServer) Deny(deny bool) { s.deny.Store(deny) }

// AuthorizeHits counts requests to the authorization endpoint.
func (s *AuthServer) AuthorizeHits() int { return int(s.authorizeHits.Load()) }

// TokenHits counts requests to the token endpoint.
func (s *AuthServer) TokenHits() int { return int(s.tokenHits.Load()) }

// UserInfoHits counts requests to the userinfo endpoint.
func (s *AuthServer) UserInfoHits() int { return int(s.userInfoHits.Load()) }

func (s *AuthServer) newSession() *openid.DefaultSession {
	session := openid.NewDefaultSession()
	session.Subject = s.cfg.Subject
	session.Claims.Subject = s.cfg.Subject
	session.Claims.Issuer = s.URL
	return session
}

// handleAuthorize approves every valid request immediately, standing in for
// the login and consent pages.
func (s *AuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.authorizeHits.Add(1)
	ctx := r.Context()

	ar, err := s.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	if s.deny.Load() {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrAccessDenied.WithDescription("The user declined consent"))
		return
	}
	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	resp, err := s.provider.NewAuthorizeResponse(ctx, ar, s.newSession())
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

func (s *AuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)
	ctx := r.Context()

	ar, err := s.provider.NewAccessRequest(ctx, r, s.newSession())
	if err != nil {
		s.provider.WriteAccessError(ctx, w, ar, err)
		return
	}
	resp, err := s.provider.NewAccessResponse(ctx, ar)
	if err != nil {
		s.provider.WriteAccessError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAccessResponse(ctx, w, ar, resp)
}

type userInfoAccount struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	IsDefault   bool   `json:"is_default"`
	BaseURI     string `json:"base_uri"`
}

type userInfoResponse struct {
	Sub      string            `json:"sub"`
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Accounts []userInfoAccount `json:"accounts"`
}

func (s *AuthServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.userInfoHits.Add(1)
	ctx := r.Context()

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "Missing bearer token", http.StatusUnauthorized)
		return
	}
	_, ar, err := s.provider.IntrospectToken(ctx, token, fosite.AccessToken, s.newSession())
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(userInfoResponse{
		Sub:   ar.GetSession().GetSubject(),
		Name:  "Test User",
		Email: s.cfg.Email,
		Accounts: []userInfoAccount{{
			AccountID:   s.cfg.AccountID,
			AccountName: "Test Account",
			IsDefault:   true,
			BaseURI:     s.cfg.BaseURI,
		}},
	})
}
