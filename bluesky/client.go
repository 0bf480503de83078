// Package bluesky is a minimal client for the social network's XRPC surface:
// app-password login, blob upload, handle resolution, and post submission.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/telemetry"
)

const defaultService = "https://bsky.social"

// feedPostCollection is the record collection posts are created in.
const feedPostCollection = "app.bsky.feed.post"

// XRPCError is a non-2xx response from an XRPC endpoint.
type XRPCError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *XRPCError) Error() string {
	return fmt.Sprintf("bluesky: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Client holds the authenticated XRPC session. Login persists the credential
// through the credential store on success; EnsureSession restores
// connectivity from the persisted record without caller involvement.
type Client struct {
	Service    string
	HTTPClient *http.Client
	Timeout    time.Duration

	creds *credstore.Store

	mu         sync.Mutex
	accessJwt  string
	did        string
	handle     string
	connected  bool
	busy       bool
	lastError  string
	lastStatus string
}

func NewClient(service string, creds *credstore.Store) *Client {
	if service == "" {
		service = defaultService
	}
	return &Client{Service: service, Timeout: 15 * time.Second, creds: creds}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// State returns a snapshot of the displayable connection status.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.State{
		Connected:  c.connected,
		Busy:       c.busy,
		LastError:  c.lastError,
		LastStatus: c.lastStatus,
		AccountID:  c.handle,
	}
}

// Login authenticates with an identifier and app password and persists the
// credential on success.
func (c *Client) Login(ctx context.Context, identifier, secret string) error {
	if identifier == "" || secret == "" {
		return c.fail(errors.New("missing bluesky credentials"))
	}
	var out struct {
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
		Did        string `json:"did"`
		Handle     string `json:"handle"`
	}
	err := c.xrpcJSON(ctx, "", "com.atproto.server.createSession",
		map[string]string{"identifier": identifier, "password": secret}, &out)
	if err != nil {
		return c.fail(fmt.Errorf("bluesky login: %w", err))
	}

	c.mu.Lock()
	c.accessJwt = out.AccessJwt
	c.did = out.Did
	c.handle = out.Handle
	c.connected = true
	c.lastError = ""
	c.lastStatus = "connected as " + out.Handle
	c.mu.Unlock()

	if err := c.creds.SaveBasic(ctx, kvstore.KeyBlueskyCredentials,
		credstore.BasicCredential{Identifier: identifier, Secret: secret}); err != nil {
		slog.Warn("bluesky credential persist failed", slog.Any("err", err))
	}
	telemetry.SetConnected(telemetry.BlueskyConnectedGauge, true)
	slog.Info("bluesky session established", slog.String("handle", out.Handle))
	return nil
}

// EnsureSession is the connect guard for the publish pipeline: a no-op when
// a session exists, otherwise a login from the persisted credential.
func (c *Client) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected && c.accessJwt != ""
	c.mu.Unlock()
	if connected {
		return nil
	}
	cred, ok, err := c.creds.LoadBasic(ctx, kvstore.KeyBlueskyCredentials)
	if err != nil {
		return c.fail(fmt.Errorf("restore bluesky credential: %w", err))
	}
	if !ok {
		return c.fail(errors.New("not connected to bluesky and no stored credentials"))
	}
	return c.Login(ctx, cred.Identifier, cred.Secret)
}

// ResolveHandle resolves a handle to its DID.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	u := c.Service + "/xrpc/com.atproto.identity.resolveHandle?handle=" + url.QueryEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", decodeXRPCError(resp)
	}
	var out struct {
		Did string `json:"did"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Did == "" {
		return "", errors.New("empty did in resolveHandle response")
	}
	return out.Did, nil
}

// Blob is the opaque storage reference returned by uploadBlob, embedded
// verbatim in post records.
type Blob = json.RawMessage

// UploadBlob pushes raw media bytes to the network's storage endpoint and
// returns the blob handle.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (Blob, error) {
	jwt, err := c.token()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Service+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+jwt)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeXRPCError(resp)
	}
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Blob) == 0 {
		return nil, errors.New("empty blob in upload response")
	}
	return Blob(out.Blob), nil
}

// Receipt is the network's acknowledgment of a created post.
type Receipt struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Post is an assembled post record ready for submission.
type Post struct {
	Text      string
	Facets    []Facet
	Embed     *ImageEmbed
	CreatedAt time.Time
}

// CreatePost submits the assembled post and returns the network's receipt.
func (c *Client) CreatePost(ctx context.Context, post Post) (*Receipt, error) {
	jwt, err := c.token()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	repo := c.did
	c.mu.Unlock()

	record := map[string]any{
		"$type":     feedPostCollection,
		"text":      post.Text,
		"createdAt": post.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(post.Facets) > 0 {
		record["facets"] = post.Facets
	}
	if post.Embed != nil {
		record["embed"] = post.Embed
	}
	body := map[string]any{
		"repo":       repo,
		"collection": feedPostCollection,
		"record":     record,
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Service+"/xrpc/com.atproto.repo.createRecord", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeXRPCError(resp)
	}
	var out Receipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessJwt == "" {
		return "", errors.New("no bluesky session; call EnsureSession first")
	}
	return c.accessJwt, nil
}

// xrpcJSON posts a JSON body to an XRPC procedure and decodes the response.
func (c *Client) xrpcJSON(ctx context.Context, jwt, method string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	cctx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.Service+"/xrpc/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return decodeXRPCError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.connected = false
	c.lastError = err.Error()
	c.mu.Unlock()
	telemetry.SetConnected(telemetry.BlueskyConnectedGauge, false)
	slog.Warn("bluesky session error", slog.Any("err", err))
	return err
}

func decodeXRPCError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	xe := &XRPCError{Status: resp.StatusCode}
	if err := json.Unmarshal(b, xe); err != nil || xe.Code == "" {
		xe.Code = "UnexpectedStatus"
		xe.Message = strings.TrimSpace(string(b))
	}
	return xe
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
