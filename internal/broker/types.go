package broker

import (
	"time"

	"github.com/dgellow/authbroker/internal/config"
	"golang.org/x/oauth2"
)

// AuthorizationRequest describes one authorization code flow.
// ClientSecret is only ever sent to the token endpoint.
type AuthorizationRequest struct {
	ClientID     string
	ClientSecret config.Secret
	RedirectURI  string
	Scopes       []string

	// State is the anti-CSRF value round-tripped through the redirect.
	// PrepareRequest generates one when empty.
	State string

	// UsePKCE makes PrepareRequest generate a CodeVerifier when none is set.
	UsePKCE      bool
	CodeVerifier string

	ExtraParams map[string]string
}

// RequestFromConfig builds the request a configured broker sends.
func RequestFromConfig(b config.BrokerConfig) AuthorizationRequest {
	req := AuthorizationRequest{
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		RedirectURI:  b.RedirectURI,
		Scopes:       append([]string(nil), b.Scopes...),
		UsePKCE:      b.PKCE,
	}
	if len(b.ExtraParams) > 0 {
		req.ExtraParams = make(map[string]string, len(b.ExtraParams))
		for k, v := range b.ExtraParams {
			req.ExtraParams[k] = v
		}
	}
	return req
}

// CallbackResult is what the authorization server sent back on the redirect.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ReceivedAt       time.Time
}

// TokenCredential is the outcome of a successful exchange or refresh.
type TokenCredential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// Expiry is zero when the token endpoint did not send expires_in.
	Expiry  time.Time
	Scope   string
	IDToken string
	// Subject is the unverified sub claim of IDToken.
	Subject string
}

// Valid reports whether the credential carries an unexpired access token.
func (c TokenCredential) Valid() bool {
	return c.AccessToken != "" && (c.Expiry.IsZero() || time.Now().Before(c.Expiry))
}

// ExpiresWithin reports whether the access token expires in less than d.
// Credentials without an expiry never do.
func (c TokenCredential) ExpiresWithin(d time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Until(c.Expiry) < d
}

// OAuth2Token converts the credential for use with oauth2 HTTP clients.
func (c TokenCredential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// FlowState is the position of a flow in its lifecycle.
type FlowState int32

const (
	StateIdle FlowState = iota
	StateAwaitingRedirect
	StateCodeReceived
	StateExchanging
	StateCompleted
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRedirect:
		return "awaiting_redirect"
	case StateCodeReceived:
		return "code_received"
	case StateExchanging:
		return "exchanging"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s FlowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
