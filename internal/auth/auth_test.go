package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	s := NewKeyringStore(keyring.NewArrayKeyring(nil))

	if _, err := s.Load("gmail:me"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load on empty ring err = %v, want ErrNoToken", err)
	}

	want := &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", Expiry: time.Unix(1700000000, 0).UTC()}
	if err := s.Save("gmail:me", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("gmail:me")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "a1" || got.RefreshToken != "r1" || !got.Expiry.Equal(want.Expiry) {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}
}

type seqSource struct {
	toks []*oauth2.Token
	i    int
}

func (s *seqSource) Token() (*oauth2.Token, error) {
	if s.i >= len(s.toks) {
		return nil, errors.New("exhausted")
	}
	t := s.toks[s.i]
	s.i++
	return t, nil
}

func TestRotatingTokenSourceReportsNewTokens(t *testing.T) {
	seed := &oauth2.Token{AccessToken: "a1", RefreshToken: "r1"}
	base := &seqSource{toks: []*oauth2.Token{
		{AccessToken: "a1", RefreshToken: "r1"},
		{AccessToken: "a2"},
		{AccessToken: "a2"},
	}}

	var rotated []*oauth2.Token
	src := NewTokenSource(base, seed, func(tok *oauth2.Token) { rotated = append(rotated, tok) })

	for i := 0; i < 3; i++ {
		if _, err := src.Token(); err != nil {
			t.Fatalf("Token #%d: %v", i, err)
		}
	}

	if len(rotated) != 1 {
		t.Fatalf("rotations = %d, want 1", len(rotated))
	}
	if rotated[0].AccessToken != "a2" || rotated[0].RefreshToken != "r1" {
		t.Fatalf("rotated = %+v, want a2 keeping refresh token r1", rotated[0])
	}

	if _, err := src.Token(); err == nil {
		t.Fatal("expected base error to propagate")
	}
}

func TestCredentialsSeed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/auth/accounts/google/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-jwt" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_at":1700000000}`)
	}))
	defer srv.Close()

	store := NewKeyringStore(keyring.NewArrayKeyring(nil))
	creds := &Credentials{Store: store, BetterAuth: NewBetterAuthClient(srv.URL), UserJWT: "user-jwt"}

	tok, err := creds.Seed(context.Background(), "gmail:me")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.Expiry.Unix() != 1700000000 {
		t.Fatalf("token = %+v", tok)
	}

	// second call is served from the store
	if _, err := creds.Seed(context.Background(), "gmail:me"); err != nil {
		t.Fatalf("Seed again: %v", err)
	}
	if calls != 1 {
		t.Fatalf("auth server calls = %d, want 1", calls)
	}
}

func TestCredentialsSeedWithoutServer(t *testing.T) {
	creds := &Credentials{Store: NewKeyringStore(keyring.NewArrayKeyring(nil))}
	if _, err := creds.Seed(context.Background(), "gmail:me"); err == nil {
		t.Fatal("expected error with empty store and no auth server")
	}
}

func TestBetterAuthNoAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewBetterAuthClient(srv.URL).GetToken(context.Background(), "jwt", ProviderGoogle)
	if !errors.Is(err, ErrNoAccount) {
		t.Fatalf("err = %v, want ErrNoAccount", err)
	}
}

func signingKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv.Set(jwk.KeyIDKey, "k1")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatal(err)
	}
	return priv, set
}

func TestPrincipalFromRequest(t *testing.T) {
	priv, set := signingKeys(t)
	v := NewStaticVerifier(set)

	sign := func(tok jwt.Token) string {
		b, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}

	good, _ := jwt.NewBuilder().
		Subject("user-1").
		Claim("email", "me@example.com").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	expired, _ := jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(-time.Hour)).
		Build()
	noSubject, _ := jwt.NewBuilder().
		Expiration(time.Now().Add(time.Hour)).
		Build()

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid", "Bearer " + sign(good), false},
		{"expired", "Bearer " + sign(expired), true},
		{"no subject", "Bearer " + sign(noSubject), true},
		{"missing header", "", true},
		{"garbage", "Bearer not-a-jwt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/emails", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, err := v.PrincipalFromRequest(r)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got principal %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("PrincipalFromRequest: %v", err)
			}
			if p.ID != "user-1" || p.Email != "me@example.com" {
				t.Fatalf("principal = %+v", p)
			}
		})
	}

	if stats := v.CacheStats(); stats["keys_cached"] != 1 {
		t.Fatalf("keys_cached = %v, want 1", stats["keys_cached"])
	}
}
