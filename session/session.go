// Package session owns the Twitch OAuth credential lifecycle: authorization,
// expiry-aware validation, refresh, and persistence. The one invariant every
// caller relies on is that no remote call executes with a known-expired
// token; platform operations go through Do, which serializes the
// ensure-valid/refresh/call sequence behind a single-flight lock.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/telemetry"
	"github.com/castforge/streammeta/twitchapi"
)

// AuthError reports missing, invalid, or unrepairable credentials. Dependent
// platform calls are never attempted after one of these.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// State is the transient, displayable session status. Rebuilt from the
// persisted credential on Open; never itself persisted.
type State struct {
	Connected  bool   `json:"connected"`
	Busy       bool   `json:"busy"`
	LastError  string `json:"lastError,omitempty"`
	LastStatus string `json:"lastStatus,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
}

// Options configures a TwitchSession.
type Options struct {
	RedirectURI string
	Scopes      string
	// Timeout bounds each network step (validate, refresh, dependent call).
	Timeout time.Duration
}

// TwitchSession holds the decoded credential copy and is the only writer back
// to the credential store. Reads and writes of the persisted record are
// whole-record, so a crash mid-operation never leaves a partial credential.
type TwitchSession struct {
	client *twitchapi.Client
	creds  *credstore.Store
	kv     kvstore.Store
	opts   Options

	// mu is the single-flight lock: at most one
	// ensure-valid -> refresh -> dependent-call sequence at a time.
	mu sync.Mutex

	stMu       sync.RWMutex
	cred       credstore.OAuthCredential
	connected  bool
	busy       bool
	lastError  string
	lastStatus string

	now func() time.Time
}

// Open restores the session from the persisted credential. A missing or
// unreadable record leaves the session disconnected, not failed.
func Open(ctx context.Context, client *twitchapi.Client, creds *credstore.Store, kv kvstore.Store, opts Options) (*TwitchSession, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	s := &TwitchSession{
		client: client,
		creds:  creds,
		kv:     kv,
		opts:   opts,
		now:    time.Now,
	}
	cred, ok, err := creds.LoadOAuth(ctx, kvstore.KeyTwitchCredentials)
	if err != nil {
		return nil, fmt.Errorf("restore twitch credential: %w", err)
	}
	if ok {
		s.cred = cred
		s.connected = cred.Valid(s.now())
	}
	if s.connected {
		slog.Info("twitch session restored", slog.String("account_id", cred.AccountID))
	}
	return s, nil
}

// Close drops the in-memory credential copy. The persisted record is left
// intact for the next Open.
func (s *TwitchSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stMu.Lock()
	s.cred = credstore.OAuthCredential{}
	s.connected = false
	s.stMu.Unlock()
}

// State returns a snapshot of the displayable session status.
func (s *TwitchSession) State() State {
	s.stMu.RLock()
	defer s.stMu.RUnlock()
	return State{
		Connected:  s.connected,
		Busy:       s.busy,
		LastError:  s.lastError,
		LastStatus: s.lastStatus,
		AccountID:  s.cred.AccountID,
	}
}

// BeginAuthorization constructs the identity-provider authorize URL with a
// fresh anti-forgery state token, persisting the token for later
// verification. Pure URL construction; no network call.
func (s *TwitchSession) BeginAuthorization(ctx context.Context, returnURL string) (string, error) {
	state := uuid.NewString()
	if err := s.kv.Set(ctx, kvstore.KeyTwitchAuthState, state); err != nil {
		return "", fmt.Errorf("persist auth state: %w", err)
	}
	if returnURL != "" {
		if err := s.kv.Set(ctx, kvstore.KeyAuthReturnURL, returnURL); err != nil {
			return "", fmt.Errorf("persist return url: %w", err)
		}
	}
	return s.client.BuildAuthorizeURL(s.opts.RedirectURI, s.opts.Scopes, state)
}

// CompleteAuthorization validates an implicit-flow access token against the
// provider, resolves the account id, and persists the connected credential.
// state is checked against the value persisted by BeginAuthorization; pass
// the value returned to the redirect URI.
func (s *TwitchSession) CompleteAuthorization(ctx context.Context, accessToken, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	stored, ok, err := s.kv.Get(ctx, kvstore.KeyTwitchAuthState)
	if err != nil {
		return s.fail(&AuthError{Reason: "read auth state", Err: err})
	}
	if !ok || stored == "" || stored != state {
		return s.fail(&AuthError{Reason: "authorization state mismatch"})
	}
	_ = s.kv.Delete(ctx, kvstore.KeyTwitchAuthState)

	vctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	v, err := s.client.ValidateToken(vctx, accessToken)
	cancel()
	if err != nil {
		return s.fail(&AuthError{Reason: "token introspection rejected", Err: err})
	}

	uctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	userID, login, err := s.client.GetUser(uctx, accessToken)
	cancel()
	if err != nil {
		return s.fail(&AuthError{Reason: "could not resolve account id", Err: err})
	}

	cred := credstore.OAuthCredential{
		Grant:       credstore.GrantImplicit,
		ClientID:    s.client.ClientID,
		AccessToken: accessToken,
		ExpiresAt:   s.now().Add(time.Duration(v.ExpiresIn) * time.Second).UnixMilli(),
		AccountID:   userID,
	}
	if err := s.creds.SaveOAuth(ctx, kvstore.KeyTwitchCredentials, cred); err != nil {
		return s.fail(&AuthError{Reason: "persist credential", Err: err})
	}

	s.stMu.Lock()
	s.cred = cred
	s.connected = true
	s.lastError = ""
	s.lastStatus = "connected as " + login
	s.stMu.Unlock()
	telemetry.SetConnected(telemetry.TwitchConnectedGauge, true)
	slog.Info("twitch authorization complete", slog.String("login", login), slog.String("account_id", userID))
	return nil
}

// Update is a partial credential injection for out-of-band token entry.
// Nil fields are left unchanged.
type Update struct {
	ClientID     *string
	ClientSecret *string
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *int64
	AccountID    *string
}

// SetCredentials applies a manual credential update and persists the full
// record. If the resulting token is already expired it immediately attempts
// a refresh.
func (s *TwitchSession) SetCredentials(ctx context.Context, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	s.stMu.Lock()
	cred := s.cred
	if upd.ClientID != nil {
		cred.ClientID = *upd.ClientID
	}
	if upd.ClientSecret != nil {
		cred.ClientSecret = *upd.ClientSecret
	}
	if upd.AccessToken != nil {
		cred.AccessToken = *upd.AccessToken
	}
	if upd.RefreshToken != nil {
		cred.RefreshToken = *upd.RefreshToken
	}
	if upd.ExpiresAt != nil {
		cred.ExpiresAt = *upd.ExpiresAt
	}
	if upd.AccountID != nil {
		cred.AccountID = *upd.AccountID
	}
	if cred.RefreshToken != "" {
		cred.Grant = credstore.GrantAuthCode
	} else if cred.Grant == "" {
		cred.Grant = credstore.GrantImplicit
	}
	s.cred = cred
	s.stMu.Unlock()

	if err := s.creds.SaveOAuth(ctx, kvstore.KeyTwitchCredentials, cred); err != nil {
		return s.fail(&AuthError{Reason: "persist credential", Err: err})
	}

	if cred.AccessToken == "" {
		s.stMu.Lock()
		s.connected = false
		s.stMu.Unlock()
		return &AuthError{Reason: "missing access token"}
	}
	if !cred.Valid(s.now()) {
		return s.refreshLocked(ctx)
	}
	s.stMu.Lock()
	s.connected = true
	s.lastError = ""
	s.stMu.Unlock()
	return nil
}

// EnsureValid is the expiry guard: a no-op when connected with an unexpired
// token, otherwise a refresh attempt. On guard failure the session is
// Disconnected and the dependent call must not proceed.
func (s *TwitchSession) EnsureValid(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)
	return s.ensureValidLocked(ctx)
}

func (s *TwitchSession) ensureValidLocked(ctx context.Context) error {
	s.stMu.RLock()
	cred := s.cred
	s.stMu.RUnlock()

	if cred.Valid(s.now()) {
		s.stMu.Lock()
		s.connected = true
		s.stMu.Unlock()
		return nil
	}
	if cred.AccessToken == "" {
		return s.fail(&AuthError{Reason: "not connected to twitch"})
	}
	return s.refreshLocked(ctx)
}

func (s *TwitchSession) refreshLocked(ctx context.Context) error {
	s.stMu.RLock()
	cred := s.cred
	s.stMu.RUnlock()

	if !cred.Refreshable() {
		return s.fail(&AuthError{Reason: "token expired and no refresh token; reconnection required"})
	}

	// Injected application credentials win over env-configured ones, so the
	// out-of-band entry flow works even when TWITCH_CLIENT_SECRET is unset.
	rctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	res, err := s.client.Refresh(rctx, cred.RefreshToken, cred.ClientID, cred.ClientSecret)
	cancel()
	if err != nil {
		telemetry.TokenRefreshFailures.Inc()
		return s.fail(&AuthError{Reason: "token refresh failed", Err: err})
	}

	cred.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		cred.RefreshToken = res.RefreshToken
	}
	cred.ExpiresAt = s.now().Add(time.Duration(res.ExpiresIn) * time.Second).UnixMilli()

	// Full-record write: the persisted credential is never partially updated.
	if err := s.creds.SaveOAuth(ctx, kvstore.KeyTwitchCredentials, cred); err != nil {
		return s.fail(&AuthError{Reason: "persist refreshed credential", Err: err})
	}

	s.stMu.Lock()
	s.cred = cred
	s.connected = true
	s.lastError = ""
	s.lastStatus = "token refreshed"
	s.stMu.Unlock()
	telemetry.TokenRefreshes.Inc()
	telemetry.SetConnected(telemetry.TwitchConnectedGauge, true)
	slog.Info("twitch token refreshed", slog.String("account_id", cred.AccountID))
	return nil
}

// Do runs a platform call under the single-flight lock after the expiry
// guard passes. fn receives a validated access token and the account id.
func (s *TwitchSession) Do(ctx context.Context, op string, fn func(ctx context.Context, accessToken, accountID string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	if err := s.ensureValidLocked(ctx); err != nil {
		return err
	}

	s.stMu.RLock()
	token, account := s.cred.AccessToken, s.cred.AccountID
	s.stMu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	err := fn(cctx, token, account)
	cancel()

	s.stMu.Lock()
	if err != nil {
		s.lastError = op + ": " + err.Error()
	} else {
		s.lastError = ""
		s.lastStatus = op + " ok"
	}
	s.stMu.Unlock()
	return err
}

func (s *TwitchSession) setBusy(v bool) {
	s.stMu.Lock()
	s.busy = v
	s.stMu.Unlock()
}

// fail records the error in session state, transitions to Disconnected, and
// returns it. Session errors surface through State, not panics.
func (s *TwitchSession) fail(err *AuthError) error {
	s.stMu.Lock()
	s.connected = false
	s.lastError = err.Error()
	s.stMu.Unlock()
	telemetry.SetConnected(telemetry.TwitchConnectedGauge, false)
	slog.Warn("twitch session error", slog.Any("err", err))
	return err
}
