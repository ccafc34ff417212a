package credential

import (
	"time"

	"github.com/dgellow/authbroker/internal/storage"
	"github.com/dgellow/authbroker/internal/userinfo"
)

// Summary describes a stored credential without exposing its tokens.
type Summary struct {
	Key         string    `json:"key"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	ExpiresIn   string    `json:"expires_in,omitempty"`
	Expired     bool      `json:"expired"`
	HasRefresh  bool      `json:"has_refresh_token"`
	Scope       string    `json:"scope,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	AccountName string    `json:"account_name,omitempty"`
	BaseURI     string    `json:"base_uri,omitempty"`
	RESTBaseURL string    `json:"rest_base_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize builds a Summary of cred as of now.
func Summarize(key string, cred *storage.StoredCredential, now time.Time) Summary {
	s := Summary{
		Key:         key,
		AccessToken: MaskToken(cred.AccessToken),
		TokenType:   cred.TokenType,
		Expiry:      cred.Expiry,
		Expired:     cred.Expired(now),
		HasRefresh:  cred.RefreshToken != "",
		Scope:       cred.Scope,
		Subject:     cred.Subject,
		AccountID:   cred.AccountID,
		AccountName: cred.AccountName,
		BaseURI:     cred.BaseURI,
		UpdatedAt:   cred.UpdatedAt,
	}
	if cred.BaseURI != "" {
		account := userinfo.Account{ID: cred.AccountID, BaseURI: cred.BaseURI}
		if restURL, err := account.RESTBaseURL(); err == nil {
			s.RESTBaseURL = restURL
		}
	}
	if !cred.Expiry.IsZero() && !s.Expired {
		s.ExpiresIn = cred.Expiry.Sub(now).Round(time.Second).String()
	}
	return s
}

// MaskToken keeps the first and last four characters of a token.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
