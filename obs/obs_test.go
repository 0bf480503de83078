package obs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	testPassword  = "hunter2"
	testSalt      = "c2FsdA=="
	testChallenge = "Y2hhbGxlbmdl"
)

type fakeStudio struct {
	srv *httptest.Server

	mu           sync.Mutex
	authSeen     string
	currentScene string
	sourceText   map[string]string
	lastOverlay  *bool
}

func newFakeStudio(t *testing.T) *fakeStudio {
	t.Helper()
	f := &fakeStudio{
		currentScene: "Intermission",
		sourceText:   map[string]string{"RunnerName": "alice"},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		hello := map[string]any{"op": opHello, "d": map[string]any{
			"obsWebSocketVersion": "5.3.3",
			"rpcVersion":          1,
			"authentication":      map[string]string{"challenge": testChallenge, "salt": testSalt},
		}}
		if err := wsjson.Write(ctx, conn, hello); err != nil {
			return
		}

		var identify envelope
		if err := wsjson.Read(ctx, conn, &identify); err != nil || identify.Op != opIdentify {
			conn.Close(websocket.StatusPolicyViolation, "bad identify")
			return
		}
		var idData struct {
			Authentication string `json:"authentication"`
		}
		_ = json.Unmarshal(identify.D, &idData)
		f.mu.Lock()
		f.authSeen = idData.Authentication
		f.mu.Unlock()
		if idData.Authentication != authResponse(testPassword, testSalt, testChallenge) {
			conn.Close(websocket.StatusPolicyViolation, "auth failed")
			return
		}
		if err := wsjson.Write(ctx, conn, map[string]any{"op": opIdentified, "d": map[string]int{"negotiatedRpcVersion": 1}}); err != nil {
			return
		}

		for {
			var env envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			if env.Op != opRequest {
				continue
			}
			var req requestBody
			var reqData map[string]any
			_ = json.Unmarshal(env.D, &req)
			if raw, err := json.Marshal(req.RequestData); err == nil {
				_ = json.Unmarshal(raw, &reqData)
			}
			if err := wsjson.Write(ctx, conn, f.handle(req, reqData)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStudio) handle(req requestBody, data map[string]any) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := map[string]any{"result": true, "code": 100}
	var resp any
	switch req.RequestType {
	case "GetSceneList":
		resp = map[string]any{
			"currentProgramSceneName": f.currentScene,
			"scenes": []map[string]any{
				{"sceneName": "Intermission", "sceneIndex": 0},
				{"sceneName": "Race", "sceneIndex": 1},
			},
		}
	case "SetCurrentProgramScene":
		name, _ := data["sceneName"].(string)
		if name != "Intermission" && name != "Race" {
			status = map[string]any{"result": false, "code": 600, "comment": "No source was found"}
			break
		}
		f.currentScene = name
	case "GetSceneItemList":
		resp = map[string]any{"sceneItems": []map[string]any{
			{"sourceName": "RunnerName", "sceneItemId": 7, "inputKind": "text_ft2_source_v2"},
			{"sourceName": "Webcam", "sceneItemId": 8, "inputKind": "v4l2_input"},
		}}
	case "GetInputSettings":
		name, _ := data["inputName"].(string)
		text, ok := f.sourceText[name]
		if !ok {
			status = map[string]any{"result": false, "code": 600, "comment": "No source was found"}
			break
		}
		resp = map[string]any{"inputKind": "text_ft2_source_v2", "inputSettings": map[string]string{"text": text}}
	case "SetInputSettings":
		name, _ := data["inputName"].(string)
		overlay, _ := data["overlay"].(bool)
		f.lastOverlay = &overlay
		settings, _ := data["inputSettings"].(map[string]any)
		text, _ := settings["text"].(string)
		f.sourceText[name] = text
	default:
		status = map[string]any{"result": false, "code": 204, "comment": "unknown request"}
	}
	d := map[string]any{"requestType": req.RequestType, "requestId": req.RequestID, "requestStatus": status}
	if resp != nil {
		d["responseData"] = resp
	}
	return map[string]any{"op": opRequestResponse, "d": d}
}

func (f *fakeStudio) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func connect(t *testing.T, f *fakeStudio) *Client {
	t.Helper()
	c := NewClient(f.wsURL(), testPassword, 5*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectAuthenticates(t *testing.T) {
	f := newFakeStudio(t)
	connect(t, f)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authSeen != authResponse(testPassword, testSalt, testChallenge) {
		t.Errorf("auth string = %q", f.authSeen)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	f := newFakeStudio(t)
	c := NewClient(f.wsURL(), "wrong", 2*time.Second)
	if err := c.Connect(context.Background()); err == nil {
		c.Close()
		t.Fatal("Connect succeeded with wrong password")
	}
}

func TestListScenes(t *testing.T) {
	f := newFakeStudio(t)
	c := connect(t, f)
	current, scenes, err := c.ListScenes(context.Background())
	if err != nil {
		t.Fatalf("ListScenes: %v", err)
	}
	if current != "Intermission" {
		t.Errorf("current = %q", current)
	}
	if len(scenes) != 2 || scenes[1].Name != "Race" {
		t.Errorf("scenes = %+v", scenes)
	}
}

func TestSetCurrentScene(t *testing.T) {
	f := newFakeStudio(t)
	c := connect(t, f)
	if err := c.SetCurrentScene(context.Background(), "Race"); err != nil {
		t.Fatalf("SetCurrentScene: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentScene != "Race" {
		t.Errorf("currentScene = %q", f.currentScene)
	}
}

func TestSetCurrentSceneUnknown(t *testing.T) {
	f := newFakeStudio(t)
	c := connect(t, f)
	err := c.SetCurrentScene(context.Background(), "NoSuch")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if reqErr.Code != 600 {
		t.Errorf("code = %d", reqErr.Code)
	}
}

func TestListSceneSources(t *testing.T) {
	f := newFakeStudio(t)
	c := connect(t, f)
	items, err := c.ListSceneSources(context.Background(), "Race")
	if err != nil {
		t.Fatalf("ListSceneSources: %v", err)
	}
	if len(items) != 2 || items[0].Name != "RunnerName" || items[0].ItemID != 7 {
		t.Errorf("items = %+v", items)
	}
}

func TestSourceTextRoundTrip(t *testing.T) {
	f := newFakeStudio(t)
	c := connect(t, f)
	ctx := context.Background()

	got, err := c.GetSourceText(ctx, "RunnerName")
	if err != nil {
		t.Fatalf("GetSourceText: %v", err)
	}
	if got != "alice" {
		t.Errorf("text = %q", got)
	}

	if err := c.SetSourceText(ctx, "RunnerName", "bob"); err != nil {
		t.Fatalf("SetSourceText: %v", err)
	}
	got, err = c.GetSourceText(ctx, "RunnerName")
	if err != nil {
		t.Fatalf("GetSourceText: %v", err)
	}
	if got != "bob" {
		t.Errorf("text after set = %q", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastOverlay == nil || !*f.lastOverlay {
		t.Errorf("overlay = %v, want true to preserve other settings", f.lastOverlay)
	}
}

func TestRequestNotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:0", testPassword, time.Second)
	if err := c.SetCurrentScene(context.Background(), "Race"); err == nil {
		t.Fatal("request succeeded without connection")
	}
}
