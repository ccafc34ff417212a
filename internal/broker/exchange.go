package broker

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/dgellow/authbroker/internal/crypto"
	"github.com/dgellow/authbroker/internal/ioutil"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// maxErrorBody bounds the token endpoint body kept on an Error.
const maxErrorBody = 4096

// ValidateState reports whether the state returned on the callback is
// exactly the one that was sent. An empty expected state never validates.
func ValidateState(expected, received string) bool {
	if expected == "" {
		return false
	}
	return crypto.Equal(expected, received)
}

// ExchangeCodeForToken redeems an authorization code at the token endpoint.
// This is the only call that sends the client secret.
func (b *Broker) ExchangeCodeForToken(ctx context.Context, code string, req AuthorizationRequest) (TokenCredential, error) {
	ctx, span := tracer.Start(ctx, "authbroker.exchange", tokenEndpointAttrs(b.opts.TokenURL))
	defer span.End()

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}

	token, err := b.oauthConfig(req).Exchange(b.clientContext(ctx), code, opts...)
	if err != nil {
		tokenErr := classifyTokenError(err)
		span.RecordError(tokenErr)
		span.SetStatus(codes.Error, tokenErr.Error())
		log.LogErrorWithFields("broker", "Token exchange failed", map[string]any{
			"token_url": b.opts.TokenURL,
			"status":    tokenErr.Status,
			"error":     tokenErr.Error(),
		})
		return TokenCredential{}, tokenErr
	}

	cred := credentialFromToken(token)
	log.LogInfoWithFields("broker", "Token exchange succeeded", map[string]any{
		"token_type":    cred.TokenType,
		"expiry":        cred.Expiry,
		"has_refresh":   cred.RefreshToken != "",
		"subject":       cred.Subject,
		"granted_scope": cred.Scope,
	})
	return cred, nil
}

func tokenEndpointAttrs(tokenURL string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("authbroker.token_url", tokenURL))
}

// classifyTokenError maps oauth2 failures onto the broker taxonomy:
// endpoint rejections and transport failures are TokenExchangeFailed,
// anything the response parser choked on is MalformedTokenResponse.
func classifyTokenError(err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		e := &Error{Kind: KindTokenExchangeFailed, Err: err}
		if retrieveErr.Response != nil {
			e.Status = retrieveErr.Response.StatusCode
		}
		e.Body = ioutil.Truncate(retrieveErr.Body, maxErrorBody)
		return e
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindTokenExchangeFailed, Err: err}
	}

	return &Error{Kind: KindMalformedTokenResponse, Err: err}
}

// credentialFromToken copies an oauth2 token and the extras we care about.
func credentialFromToken(token *oauth2.Token) TokenCredential {
	cred := TokenCredential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}

	switch scope := token.Extra("scope").(type) {
	case string:
		cred.Scope = scope
	case []any:
		parts := make([]string, 0, len(scope))
		for _, s := range scope {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		cred.Scope = strings.Join(parts, " ")
	}

	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		cred.IDToken = idToken
		cred.Subject = subjectFromIDToken(idToken)
	}
	return cred
}

// subjectFromIDToken reads the sub claim without verifying the signature.
// The value is only used as a display name and storage key.
func subjectFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		log.LogDebugWithFields("broker", "Ignoring unparseable id_token", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
