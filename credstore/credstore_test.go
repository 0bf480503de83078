package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/castforge/streammeta/crypto"
	"github.com/castforge/streammeta/kvstore"
)

func TestOAuthRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), nil)

	in := OAuthCredential{
		Grant:        GrantAuthCode,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		AccountID:    "12345",
	}
	if err := s.SaveOAuth(ctx, kvstore.KeyTwitchCredentials, in); err != nil {
		t.Fatalf("SaveOAuth: %v", err)
	}
	out, ok, err := s.LoadOAuth(ctx, kvstore.KeyTwitchCredentials)
	if err != nil || !ok {
		t.Fatalf("LoadOAuth = (ok=%v, err=%v)", ok, err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), nil)

	in := BasicCredential{Identifier: "speedcast.bsky.social", Secret: "app-password"}
	if err := s.SaveBasic(ctx, kvstore.KeyBlueskyCredentials, in); err != nil {
		t.Fatalf("SaveBasic: %v", err)
	}
	out, ok, err := s.LoadBasic(ctx, kvstore.KeyBlueskyCredentials)
	if err != nil || !ok {
		t.Fatalf("LoadBasic = (ok=%v, err=%v)", ok, err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestLoadAbsent(t *testing.T) {
	s := New(kvstore.NewMemory(), nil)
	_, ok, err := s.LoadOAuth(context.Background(), kvstore.KeyTwitchCredentials)
	if err != nil {
		t.Fatalf("LoadOAuth: %v", err)
	}
	if ok {
		t.Error("LoadOAuth reported a record that was never saved")
	}
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := New(kv, nil)

	if err := kv.Set(ctx, kvstore.KeyTwitchCredentials, "{not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, ok, err := s.LoadOAuth(ctx, kvstore.KeyTwitchCredentials)
	if err != nil {
		t.Fatalf("LoadOAuth on corrupt record returned error: %v", err)
	}
	if ok {
		t.Error("LoadOAuth treated a corrupt record as present")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	box, err := crypto.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	kv := kvstore.NewMemory()
	s := New(kv, box)

	in := OAuthCredential{Grant: GrantImplicit, AccessToken: "secret-token", ExpiresAt: 42, AccountID: "7"}
	if err := s.SaveOAuth(ctx, kvstore.KeyTwitchCredentials, in); err != nil {
		t.Fatalf("SaveOAuth: %v", err)
	}
	// Stored bytes must not contain the token in the clear.
	raw, _, _ := kv.Get(ctx, kvstore.KeyTwitchCredentials)
	if raw == "" || raw == "secret-token" || containsSubstring(raw, "secret-token") {
		t.Errorf("stored value leaks plaintext: %q", raw)
	}
	out, ok, err := s.LoadOAuth(ctx, kvstore.KeyTwitchCredentials)
	if err != nil || !ok {
		t.Fatalf("LoadOAuth = (ok=%v, err=%v)", ok, err)
	}
	if out != in {
		t.Errorf("encrypted round trip mismatch: got %+v want %+v", out, in)
	}

	// A store without the key cannot read the record; it degrades to absent.
	plain := New(kv, nil)
	if _, ok, err := plain.LoadOAuth(ctx, kvstore.KeyTwitchCredentials); err != nil || ok {
		t.Errorf("unkeyed LoadOAuth = (ok=%v, err=%v), want absent", ok, err)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestCredentialValidity(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred OAuthCredential
		want bool
	}{
		{"valid", OAuthCredential{AccessToken: "t", ExpiresAt: now.Add(time.Hour).UnixMilli()}, true},
		{"expired", OAuthCredential{AccessToken: "t", ExpiresAt: now.Add(-time.Minute).UnixMilli()}, false},
		{"expires exactly now", OAuthCredential{AccessToken: "t", ExpiresAt: now.UnixMilli()}, false},
		{"no token", OAuthCredential{ExpiresAt: now.Add(time.Hour).UnixMilli()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefreshable(t *testing.T) {
	if (OAuthCredential{Grant: GrantImplicit, AccessToken: "t"}).Refreshable() {
		t.Error("implicit grant reported refreshable")
	}
	if (OAuthCredential{Grant: GrantAuthCode}).Refreshable() {
		t.Error("auth-code grant without refresh token reported refreshable")
	}
	if !(OAuthCredential{Grant: GrantAuthCode, RefreshToken: "r"}).Refreshable() {
		t.Error("auth-code grant with refresh token reported not refreshable")
	}
}
