package broker

import (
	"errors"
	"fmt"

	"github.com/dgellow/authbroker/internal/crypto"
	"golang.org/x/oauth2"
)

// reservedParams are owned by the broker and cannot be overridden through ExtraParams.
var reservedParams = map[string]bool{
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"state":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// PrepareRequest returns req with a fresh State and, when UsePKCE is set,
// a CodeVerifier. Values already present are kept.
func PrepareRequest(req AuthorizationRequest) (AuthorizationRequest, error) {
	if req.State == "" {
		state, err := crypto.GenerateState()
		if err != nil {
			return req, fmt.Errorf("generating state: %w", err)
		}
		req.State = state
	}
	if req.UsePKCE && req.CodeVerifier == "" {
		req.CodeVerifier = oauth2.GenerateVerifier()
	}
	return req, nil
}

// BuildAuthorizationURL composes the URL the user's browser is sent to.
// It makes no network calls and returns the same URL for the same request.
func (b *Broker) BuildAuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.ClientID == "" {
		return "", errors.New("client_id is required")
	}
	if req.RedirectURI == "" {
		return "", errors.New("redirect_uri is required")
	}
	if req.State == "" {
		return "", errors.New("state is required")
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	for key, value := range req.ExtraParams {
		if reservedParams[key] {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}

	// url.Values.Encode sorts keys, so map iteration order above does not leak.
	return b.oauthConfig(req).AuthCodeURL(req.State, opts...), nil
}
