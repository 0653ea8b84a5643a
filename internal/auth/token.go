package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoToken is returned when no stored token exists for a key.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists OAuth tokens by key
type TokenStore interface {
	Load(key string) (*oauth2.Token, error)
	Save(key string, tok *oauth2.Token) error
}

// GoogleConfig is the OAuth client the archiver refreshes tokens with.
// Scopes cover reading mail and creating Drive files for attachments.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/drive.file",
		},
	}
}

// RotatingTokenSource refreshes tokens through its base source and reports
// every newly minted token to OnRotate.
type RotatingTokenSource struct {
	base     oauth2.TokenSource
	onRotate func(*oauth2.Token)

	mu   sync.Mutex
	last *oauth2.Token
}

// NewTokenSource wraps base. seed is the token base started from; it is not
// reported. onRotate may be nil.
func NewTokenSource(base oauth2.TokenSource, seed *oauth2.Token, onRotate func(*oauth2.Token)) *RotatingTokenSource {
	return &RotatingTokenSource{base: base, last: seed, onRotate: onRotate}
}

// Token implements oauth2.TokenSource.
func (s *RotatingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && s.last.AccessToken == tok.AccessToken {
		return tok, nil
	}
	rotated := *tok
	if rotated.RefreshToken == "" && s.last != nil {
		// refresh responses usually omit the long-lived token
		rotated.RefreshToken = s.last.RefreshToken
	}
	s.last = &rotated
	if s.onRotate != nil {
		s.onRotate(&rotated)
	}
	return &rotated, nil
}

// Credentials resolves the OAuth token of a mailbox: the stored token if
// there is one, otherwise one fetched from BetterAuth and stored.
type Credentials struct {
	Store      TokenStore
	BetterAuth *BetterAuthClient // optional
	UserJWT    string
	OnError    func(error) // called when a rotated token cannot be saved
}

// Seed returns the starting token for key.
func (c *Credentials) Seed(ctx context.Context, key string) (*oauth2.Token, error) {
	tok, err := c.Store.Load(key)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrNoToken) {
		return nil, err
	}
	if c.BetterAuth == nil {
		return nil, fmt.Errorf("no token stored for %s and no auth server configured", key)
	}

	tok, err = c.BetterAuth.GetToken(ctx, c.UserJWT, ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if err := c.Store.Save(key, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// TokenSource returns an auto-refreshing source for key that writes every
// rotated token back to the store.
func (c *Credentials) TokenSource(ctx context.Context, cfg *oauth2.Config, key string) (oauth2.TokenSource, error) {
	seed, err := c.Seed(ctx, key)
	if err != nil {
		return nil, err
	}
	rotating := NewTokenSource(cfg.TokenSource(ctx, seed), seed, func(tok *oauth2.Token) {
		if err := c.Store.Save(key, tok); err != nil && c.OnError != nil {
			c.OnError(err)
		}
	})
	return oauth2.ReuseTokenSource(seed, rotating), nil
}
