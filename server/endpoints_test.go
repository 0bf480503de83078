package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/castforge/streammeta/bluesky"
	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/publish"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/telemetry"
	"github.com/castforge/streammeta/title"
	"github.com/castforge/streammeta/twitchapi"
)

func init() { telemetry.Init() }

// fakeBackends runs httptest stand-ins for the identity provider, Helix, and
// the PDS so the full handler stack can be exercised end to end.
type fakeBackends struct {
	idp *httptest.Server
	pds *httptest.Server
}

func newFakeBackends(t *testing.T) *fakeBackends {
	t.Helper()
	f := &fakeBackends{}
	f.idp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/validate":
			_ = json.NewEncoder(w).Encode(twitchapi.Validation{ClientID: "cid", Login: "caster", UserID: "42", ExpiresIn: 3600})
		case "/helix/users":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "42", "login": "caster"}}})
		case "/helix/channels":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.idp.Close)
	f.pds = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/xrpc/") {
		case "com.atproto.server.createSession":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"accessJwt": "jwt", "refreshJwt": "jwt-r", "did": "did:plc:caster", "handle": "caster.bsky.social",
			})
		case "com.atproto.repo.createRecord":
			_ = json.NewEncoder(w).Encode(bluesky.Receipt{URI: "at://did:plc:caster/app.bsky.feed.post/3k", CID: "bafyrei"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.pds.Close)
	return f
}

func newTestHandlers(t *testing.T) (*Handlers, kvstore.Store) {
	t.Helper()
	f := newFakeBackends(t)
	kv := kvstore.NewMemory()
	creds := credstore.New(kv, nil)

	api := &twitchapi.Client{ClientID: "cid", ClientSecret: "secret", AuthBase: f.idp.URL, HelixBase: f.idp.URL}
	sess, err := session.Open(context.Background(), api, creds, kv, session.Options{
		RedirectURI: "http://localhost:3000/auth/twitch/callback",
		Scopes:      "channel:manage:broadcast",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bsky := bluesky.NewClient(f.pds.URL, creds)

	return &Handlers{
		Twitch:  sess,
		Bluesky: bsky,
		Creds:   creds,
		KV:      kv,
		Pipe:    publish.New(bsky, kv, 5*time.Second),
		Titler:  title.New(sess, api, kv),
		DataDir: t.TempDir(),
	}, kv
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusRoute(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	rec := doJSON(t, mux, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]session.State
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["twitch"]; !ok {
		t.Errorf("missing twitch state: %v", out)
	}
	if _, ok := out["bluesky"]; !ok {
		t.Errorf("missing bluesky state: %v", out)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Errorf("missing correlation header")
	}
}

func TestAuthStartRedirects(t *testing.T) {
	h, kv := newTestHandlers(t)
	mux := NewMux(h)
	rec := doJSON(t, mux, http.MethodGet, "/auth/twitch/start?return_url=http://localhost:3000/dash", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	state, ok, _ := kv.Get(context.Background(), kvstore.KeyTwitchAuthState)
	if !ok || !strings.Contains(loc, "state="+state) {
		t.Errorf("redirect %q does not carry persisted state %q", loc, state)
	}
	ret, _, _ := kv.Get(context.Background(), kvstore.KeyAuthReturnURL)
	if ret != "http://localhost:3000/dash" {
		t.Errorf("return url = %q", ret)
	}
}

func TestAuthCallbackStateMismatch(t *testing.T) {
	h, kv := newTestHandlers(t)
	mux := NewMux(h)
	if err := kv.Set(context.Background(), kvstore.KeyTwitchAuthState, "expected"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	rec := doJSON(t, mux, http.MethodPost, "/auth/twitch/callback",
		map[string]string{"access_token": "tok", "state": "forged"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthCallbackSuccess(t *testing.T) {
	h, kv := newTestHandlers(t)
	mux := NewMux(h)
	if err := kv.Set(context.Background(), kvstore.KeyTwitchAuthState, "s1"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	rec := doJSON(t, mux, http.MethodPost, "/auth/twitch/callback",
		map[string]string{"access_token": "tok", "state": "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if st := h.Twitch.State(); !st.Connected || st.AccountID != "42" {
		t.Errorf("session state = %+v", st)
	}
}

func TestPostTemplateRoundTrip(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	want := publish.Template{Text: "Live: {gamename}", MediaURL: "https://cdn.example/a.png"}
	if rec := doJSON(t, mux, http.MethodPut, "/templates/post", want); rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodGet, "/templates/post", nil)
	var got publish.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("template = %+v, want %+v", got, want)
	}
}

func TestTitleTemplateRoundTrip(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	want := title.Template{Text: "{gamename} by {runners}", UpdateGame: true}
	if rec := doJSON(t, mux, http.MethodPut, "/templates/title", want); rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodGet, "/templates/title", nil)
	var got title.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("template = %+v, want %+v", got, want)
	}
}

func TestPublishRoute(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	if rec := doJSON(t, mux, http.MethodPut, "/auth/bluesky/credentials",
		map[string]string{"identifier": "caster.bsky.social", "password": "app-pass"}); rec.Code != http.StatusNoContent {
		t.Fatalf("credentials status = %d", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodPost, "/publish",
		map[string]any{"text": "going live", "data": map[string]string{}})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", rec.Code, rec.Body.String())
	}
	var receipt bluesky.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.URI == "" {
		t.Errorf("empty receipt: %s", rec.Body.String())
	}
}

func TestPublishWithoutCredentials(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	rec := doJSON(t, mux, http.MethodPost, "/publish", map[string]any{"text": "hi"})
	if rec.Code < 400 {
		t.Errorf("status = %d, want error", rec.Code)
	}
}

func TestTitleRoute(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	seedTwitch(t, h)
	rec := doJSON(t, mux, http.MethodPost, "/title",
		map[string]any{"text": "Race time", "data": map[string]string{}})
	if rec.Code != http.StatusOK {
		t.Fatalf("title status = %d: %s", rec.Code, rec.Body.String())
	}
}

func seedTwitch(t *testing.T, h *Handlers) {
	t.Helper()
	tok := "tok"
	exp := time.Now().Add(time.Hour).UnixMilli()
	acct := "42"
	if err := h.Twitch.SetCredentials(context.Background(), session.Update{
		AccessToken: &tok, ExpiresAt: &exp, AccountID: &acct,
	}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
}

func TestFileRoute(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	if err := os.MkdirAll(filepath.Join(h.DataDir, "txt"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.DataDir, "txt", "schedule.txt"), []byte("next: Celeste"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/files/schedule", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "next: Celeste" {
		t.Errorf("status %d body %q", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, mux, http.MethodGet, "/files/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodGet, "/files/..%2Fsecret", nil); rec.Code == http.StatusOK {
		t.Errorf("traversal served: %d", rec.Code)
	}
}

func TestOBSNotConfigured(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	rec := doJSON(t, mux, http.MethodGet, "/obs/scenes", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := NewMux(h)
	rec := doJSON(t, mux, http.MethodOptions, "/publish", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}
