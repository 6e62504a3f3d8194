package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxTokenResponseSize caps how much of a token endpoint response is read.
const maxTokenResponseSize = 1 << 20

// TokenResponse is the part of a token endpoint response the gate consumes.
type TokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshError reports a failed refresh_token grant. StatusCode is 0 for
// transport errors.
type RefreshError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Refresher performs the OAuth2 refresh_token grant against the token endpoint.
// It never retries; a failed refresh is left to the caller.
type Refresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	timeout      time.Duration
}

// NewRefresher creates a refresher for the given token endpoint.
func NewRefresher(tokenURL, clientID, clientSecret string, httpClient *http.Client, timeout time.Duration) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		timeout:      timeout,
	}
}

// Refresher returns a refresher bound to the discovered token endpoint.
func (p *Provider) Refresher(timeout time.Duration) *Refresher {
	return NewRefresher(p.endpoints.TokenEndpoint, p.oauth2Config.ClientID, p.oauth2Config.ClientSecret, p.httpClient, timeout)
}

// Refresh exchanges a refresh token for a new token pair.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if tokens.IDToken == "" {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("no id_token in token response")}
	}

	return &tokens, nil
}
