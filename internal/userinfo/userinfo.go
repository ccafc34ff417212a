// Package userinfo looks up the accounts a freshly authorized user can act on.
package userinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/authbroker/internal/emailutil"
	"github.com/dgellow/authbroker/internal/ioutil"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/urlutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

// restAPIPath is appended to an account's base URI to reach its REST API.
const restAPIPath = "restapi"

// ErrNoAccounts is returned by DefaultAccount when the user has no account.
var ErrNoAccounts = errors.New("userinfo: no accounts")

// Account is one API account the user belongs to.
type Account struct {
	ID        string `json:"account_id"`
	Name      string `json:"account_name"`
	IsDefault bool   `json:"is_default"`
	BaseURI   string `json:"base_uri"`
}

// RESTBaseURL is the account's REST API root.
func (a Account) RESTBaseURL() (string, error) {
	if a.BaseURI == "" {
		return "", fmt.Errorf("account %s has no base URI", a.ID)
	}
	return urlutil.JoinPath(a.BaseURI, restAPIPath)
}

// Info is the userinfo response.
type Info struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Accounts []Account `json:"accounts"`
}

// DefaultAccount returns the account flagged as default, or the first one.
func (i *Info) DefaultAccount() (Account, error) {
	if len(i.Accounts) == 0 {
		return Account{}, ErrNoAccounts
	}
	for _, a := range i.Accounts {
		if a.IsDefault {
			return a, nil
		}
	}
	return i.Accounts[0], nil
}

// Client calls the userinfo endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the userinfo endpoint at url.
// A nil httpClient uses one with a 30 second timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, httpClient: httpClient}
}

// Fetch retrieves the user's identity and accounts with token.
func (c *Client) Fetch(ctx context.Context, token *oauth2.Token) (*Info, error) {
	ctx, span := otel.Tracer("github.com/dgellow/authbroker/internal/userinfo").Start(ctx, "authbroker.userinfo")
	defer span.End()

	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	info.Email = emailutil.Normalize(info.Email)
	log.LogDebugWithFields("userinfo", "Fetched user info", map[string]any{
		"email":    emailutil.Mask(info.Email),
		"accounts": len(info.Accounts),
	})
	return &info, nil
}
