package oidc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// AuthFlowData contains the data needed to initiate an OIDC authorization flow.
type AuthFlowData struct {
	// State is the OIDC state parameter for CSRF protection
	State string

	// CodeVerifier is the PKCE code verifier (must be stored for token exchange)
	CodeVerifier string

	// AuthURL is the complete authorization URL to redirect the user to
	AuthURL string
}

// TokenData contains the tokens returned from the OIDC provider.
type TokenData struct {
	// RefreshToken is the OAuth2 refresh token (if available)
	RefreshToken string `json:"-"`

	// IDToken is the raw OIDC ID token (JWT); tagged json:"-" because it
	// encodes identity claims in a base64-decodable payload.
	IDToken string `json:"-"`

	// Payload holds the verified ID token claims
	Payload *TokenPayload
}

// StartAuthFlow initiates an OIDC authorization flow with PKCE (S256).
// The caller keeps State and CodeVerifier until the provider calls back.
func (p *Provider) StartAuthFlow(ctx context.Context) (*AuthFlowData, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	return &AuthFlowData{
		State:        state,
		CodeVerifier: verifier,
		AuthURL:      p.oauth2Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// ExchangeCode exchanges an authorization code for tokens.
// It uses the PKCE code verifier to complete the flow.
// The ID token is verified (signature, issuer, audience, expiry) before returning.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenData, error) {
	// Exchange authorization code for tokens
	token, err := p.oauth2Config.Exchange(oidc.ClientContext(ctx, p.httpClient), code,
		oauth2.VerifierOption(codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// Extract ID token
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("no id_token in token response")
	}

	// Verify ID token (signature, issuer, audience, expiry)
	payload, err := p.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	return &TokenData{
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Payload:      payload,
	}, nil
}

// generateState creates a random state parameter for CSRF protection.
// The state is 16 random bytes encoded as hex (32 characters).
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
