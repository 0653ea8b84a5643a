package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Provider names a connected OAuth account on the auth server
type Provider string

const ProviderGoogle Provider = "google"

// ErrNoAccount means the user never connected an account for the provider.
var ErrNoAccount = errors.New("no connected account")

// BetterAuthClient seeds mailbox credentials from the BetterAuth server that
// owns the OAuth consent flow.
type BetterAuthClient struct {
	baseURL string
	http    *http.Client
}

func NewBetterAuthClient(serverURL string) *BetterAuthClient {
	return NewBetterAuthClientWithHTTP(serverURL, &http.Client{Timeout: 10 * time.Second})
}

// NewBetterAuthClientWithHTTP uses hc for every request
func NewBetterAuthClientWithHTTP(serverURL string, hc *http.Client) *BetterAuthClient {
	return &BetterAuthClient{baseURL: serverURL, http: hc}
}

// accountToken is the body of /api/auth/accounts/:provider/token
type accountToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

func (a accountToken) oauth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		TokenType:    "Bearer",
	}
	if a.ExpiresAt > 0 {
		tok.Expiry = time.Unix(a.ExpiresAt, 0)
	}
	return tok
}

// GetToken returns the provider token of the user identified by userJWT.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*oauth2.Token, error) {
	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, provider)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("token request: status %d: %s", resp.StatusCode, body)
	}

	var at accountToken
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if at.AccessToken == "" {
		return nil, errors.New("auth server returned an empty access token")
	}
	return at.oauth2(), nil
}
