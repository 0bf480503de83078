// Package credstore persists and restores named credential records as
// encrypted JSON blobs in the key-value store. It does no validation of
// record contents; a corrupt or unreadable blob is treated as absent so the
// caller proceeds as unauthenticated instead of crashing.
package credstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/castforge/streammeta/crypto"
	"github.com/castforge/streammeta/kvstore"
)

// OAuth grant variants. An implicit grant never carries a refresh token, so
// its expiry cannot be repaired and reconnection is required.
const (
	GrantImplicit = "implicit"
	GrantAuthCode = "authorization_code"
)

// OAuthCredential is the platform identity material for the OAuth leg.
// ExpiresAt is epoch milliseconds to match what the identity provider flow
// produces (now + ttl*1000).
type OAuthCredential struct {
	Grant        string `json:"grant"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
	AccountID    string `json:"accountId"`
}

// Valid reports whether the credential can back a platform call right now.
func (c OAuthCredential) Valid(now time.Time) bool {
	return c.AccessToken != "" && c.ExpiresAt > now.UnixMilli()
}

// Refreshable reports whether an expired credential can be silently repaired.
func (c OAuthCredential) Refreshable() bool {
	return c.Grant == GrantAuthCode && c.RefreshToken != ""
}

// Expiry returns ExpiresAt as a time.Time.
func (c OAuthCredential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// BasicCredential is an identifier/secret pair (the social network login).
type BasicCredential struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// Store reads and writes credential records. It is the only writer of
// credential bytes; sessions hold decoded copies and write back through it.
type Store struct {
	kv  kvstore.Store
	box *crypto.Box // nil disables encryption at rest
}

func New(kv kvstore.Store, box *crypto.Box) *Store {
	return &Store{kv: kv, box: box}
}

// LoadOAuth restores the OAuth credential under key. ok is false when the
// record is missing or unreadable.
func (s *Store) LoadOAuth(ctx context.Context, key string) (OAuthCredential, bool, error) {
	var cred OAuthCredential
	ok, err := s.load(ctx, key, &cred)
	return cred, ok, err
}

// SaveOAuth writes the full credential record under key.
func (s *Store) SaveOAuth(ctx context.Context, key string, cred OAuthCredential) error {
	return s.save(ctx, key, cred)
}

// LoadBasic restores the basic credential under key.
func (s *Store) LoadBasic(ctx context.Context, key string) (BasicCredential, bool, error) {
	var cred BasicCredential
	ok, err := s.load(ctx, key, &cred)
	return cred, ok, err
}

// SaveBasic writes the full credential record under key.
func (s *Store) SaveBasic(ctx context.Context, key string, cred BasicCredential) error {
	return s.save(ctx, key, cred)
}

func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	stored, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || stored == "" {
		return false, nil
	}
	plain, err := s.box.Open(stored)
	if err != nil {
		slog.Warn("credential record unreadable, treating as absent",
			slog.String("key", key), slog.Any("err", err))
		return false, nil
	}
	if err := json.Unmarshal(plain, out); err != nil {
		slog.Warn("credential record unparseable, treating as absent",
			slog.String("key", key), slog.Any("err", err))
		return false, nil
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, in any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	sealed, err := s.box.Seal(b)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, sealed)
}
