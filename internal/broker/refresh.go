package broker

import (
	"context"
	"errors"

	"github.com/dgellow/authbroker/internal/log"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

// Refresh trades a refresh token for a new credential using the client
// credentials from Options. When the endpoint does not rotate the refresh
// token the old one is kept.
func (b *Broker) Refresh(ctx context.Context, refreshToken string) (TokenCredential, error) {
	if refreshToken == "" {
		return TokenCredential{}, errors.New("refresh token is required")
	}
	if b.opts.ClientID == "" {
		return TokenCredential{}, errors.New("client id is required to refresh")
	}

	ctx, span := tracer.Start(ctx, "authbroker.refresh", tokenEndpointAttrs(b.opts.TokenURL))
	defer span.End()

	cfg := b.oauthConfig(AuthorizationRequest{
		ClientID:     b.opts.ClientID,
		ClientSecret: b.opts.ClientSecret,
	})

	// An empty access token is never Valid, so the source goes straight to the endpoint.
	source := cfg.TokenSource(b.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		tokenErr := classifyTokenError(err)
		span.RecordError(tokenErr)
		span.SetStatus(codes.Error, tokenErr.Error())
		log.LogErrorWithFields("broker", "Failed to refresh token", map[string]any{
			"token_url": b.opts.TokenURL,
			"status":    tokenErr.Status,
			"error":     tokenErr.Error(),
		})
		return TokenCredential{}, tokenErr
	}

	cred := credentialFromToken(token)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}

	log.LogInfoWithFields("broker", "Token refreshed successfully", map[string]any{
		"expiry":  cred.Expiry,
		"rotated": cred.RefreshToken != refreshToken,
	})
	return cred, nil
}
