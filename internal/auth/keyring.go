package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

// KeyringStore keeps OAuth tokens in the system keyring, falling back to an
// encrypted file backend on headless hosts.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring returns a configured keyring-backed token store.
func OpenKeyring(service, fileDir, filePassword string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewKeyringStore wraps an opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Load returns the token stored under key, ErrNoToken if there is none.
func (s *KeyringStore) Load(key string) (*oauth2.Token, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", key, err)
	}
	return &tok, nil
}

// Save stores tok under key.
func (s *KeyringStore) Save(key string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", key, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         key,
		Data:        data,
		Label:       "mail archiver OAuth token",
		Description: "OAuth token for " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
