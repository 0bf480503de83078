// Package obs is a thin facade over the OBS WebSocket v5 protocol for scene
// and text-source control. Calls are synchronous and serialized per client.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

// RequestError is a non-success requestStatus from the studio.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("obs %s failed: code %d: %s", e.RequestType, e.Code, e.Comment)
}

// Scene is one entry from the studio's scene collection.
type Scene struct {
	Name  string `json:"sceneName"`
	Index int    `json:"sceneIndex"`
}

// SceneSource is one source within a scene.
type SceneSource struct {
	Name   string `json:"sourceName"`
	ItemID int    `json:"sceneItemId"`
	Kind   string `json:"inputKind"`
}

// Facade is the scene-control surface the HTTP layer talks to.
type Facade interface {
	ListScenes(ctx context.Context) (current string, scenes []Scene, err error)
	SetCurrentScene(ctx context.Context, name string) error
	ListSceneSources(ctx context.Context, scene string) ([]SceneSource, error)
	GetSourceText(ctx context.Context, source string) (string, error)
	SetSourceText(ctx context.Context, source, text string) error
}

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type requestBody struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type responseBody struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// Client speaks OBS WebSocket v5 to a single studio instance.
type Client struct {
	addr     string
	password string
	timeout  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Facade = (*Client)(nil)

func NewClient(addr, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, password: password, timeout: timeout}
}

// Connect dials the studio and completes the Hello/Identify handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial obs: %w", err)
	}

	var hello envelope
	if err := wsjson.Read(dctx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected opcode")
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		Authentication *struct {
			Challenge string `json:"challenge"`
			Salt      string `json:"salt"`
		} `json:"authentication"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad hello")
		return fmt.Errorf("decode hello: %w", err)
	}

	identify := map[string]any{"rpcVersion": 1, "eventSubscriptions": 0}
	if helloData.Authentication != nil {
		identify["authentication"] = authResponse(c.password, helloData.Authentication.Salt, helloData.Authentication.Challenge)
	}
	if err := wsjson.Write(dctx, conn, map[string]any{"op": opIdentify, "d": identify}); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "identify write failed")
		return fmt.Errorf("send identify: %w", err)
	}

	var identified envelope
	if err := wsjson.Read(dctx, conn, &identified); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no identified")
		return fmt.Errorf("read identified: %w", err)
	}
	if identified.Op != opIdentified {
		_ = conn.Close(websocket.StatusPolicyViolation, "identify rejected")
		return fmt.Errorf("identify rejected, got op %d", identified.Op)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection; further calls reconnect via Connect.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
}

// authResponse derives the Identify authentication string:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	b64 := base64.StdEncoding.EncodeToString(secret[:])
	final := sha256.Sum256([]byte(b64 + challenge))
	return base64.StdEncoding.EncodeToString(final[:])
}

// request sends one request and waits for its matching response, skipping any
// interleaved event messages. The lock serializes callers; the protocol has
// no pipelining here.
func (c *Client) request(ctx context.Context, requestType string, data any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("obs not connected")
	}
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	req := map[string]any{"op": opRequest, "d": requestBody{RequestType: requestType, RequestID: id, RequestData: data}}
	if err := wsjson.Write(rctx, c.conn, req); err != nil {
		c.drop()
		return fmt.Errorf("send %s: %w", requestType, err)
	}

	for {
		var env envelope
		if err := wsjson.Read(rctx, c.conn, &env); err != nil {
			c.drop()
			return fmt.Errorf("read %s response: %w", requestType, err)
		}
		if env.Op != opRequestResponse {
			continue
		}
		var resp responseBody
		if err := json.Unmarshal(env.D, &resp); err != nil {
			return fmt.Errorf("decode %s response: %w", requestType, err)
		}
		if resp.RequestID != id {
			continue
		}
		if !resp.RequestStatus.Result {
			return &RequestError{RequestType: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("decode %s data: %w", requestType, err)
			}
		}
		return nil
	}
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "request failed")
		c.conn = nil
	}
}

func (c *Client) ListScenes(ctx context.Context) (string, []Scene, error) {
	var out struct {
		CurrentProgramSceneName string  `json:"currentProgramSceneName"`
		Scenes                  []Scene `json:"scenes"`
	}
	if err := c.request(ctx, "GetSceneList", nil, &out); err != nil {
		return "", nil, err
	}
	return out.CurrentProgramSceneName, out.Scenes, nil
}

func (c *Client) SetCurrentScene(ctx context.Context, name string) error {
	return c.request(ctx, "SetCurrentProgramScene", map[string]string{"sceneName": name}, nil)
}

func (c *Client) ListSceneSources(ctx context.Context, scene string) ([]SceneSource, error) {
	var out struct {
		SceneItems []SceneSource `json:"sceneItems"`
	}
	if err := c.request(ctx, "GetSceneItemList", map[string]string{"sceneName": scene}, &out); err != nil {
		return nil, err
	}
	return out.SceneItems, nil
}

func (c *Client) GetSourceText(ctx context.Context, source string) (string, error) {
	var out struct {
		InputSettings struct {
			Text string `json:"text"`
		} `json:"inputSettings"`
	}
	if err := c.request(ctx, "GetInputSettings", map[string]string{"inputName": source}, &out); err != nil {
		return "", err
	}
	return out.InputSettings.Text, nil
}

// SetSourceText overwrites only the text field; overlay=true keeps the
// source's other settings intact.
func (c *Client) SetSourceText(ctx context.Context, source, text string) error {
	return c.request(ctx, "SetInputSettings", map[string]any{
		"inputName":     source,
		"inputSettings": map[string]string{"text": text},
		"overlay":       true,
	}, nil)
}
