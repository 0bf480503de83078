// Package publish implements the multi-step post pipeline: connect guard,
// template resolution, media fetch/upload with graceful degradation, facet
// detection, and submission. A media failure degrades the post to a plain
// link; it never aborts the publish.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/castforge/streammeta/bluesky"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/telemetry"
	"github.com/castforge/streammeta/tmpl"
)

// maxMediaBytes caps a fetched media file; the network rejects larger blobs anyway.
const maxMediaBytes = 10 << 20

// defaultAspect is used when true image dimensions are unavailable.
var defaultAspect = bluesky.AspectRatio{Width: 16, Height: 9}

// UploadError is a media fetch or upload failure. It is recoverable: the
// pipeline falls back to a plain link and proceeds.
type UploadError struct {
	Stage string // "fetch" or "upload"
	URL   string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("media %s failed for %s: %v", e.Stage, e.URL, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Template is the user-edited content blueprint, persisted verbatim and
// mutated only by SaveTemplate.
type Template struct {
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// Pipeline publishes rendered posts through the Bluesky client. At most one
// publish runs at a time per pipeline.
type Pipeline struct {
	client  *bluesky.Client
	kv      kvstore.Store
	fetcher *http.Client
	timeout time.Duration
	now     func() time.Time

	// mu is the single-flight lock over the whole publish sequence.
	mu sync.Mutex

	stMu       sync.RWMutex
	busy       bool
	lastError  string
	lastStatus string
}

func New(client *bluesky.Client, kv kvstore.Store, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Pipeline{
		client:  client,
		kv:      kv,
		fetcher: &http.Client{Timeout: timeout},
		timeout: timeout,
		now:     time.Now,
	}
}

// State merges the connection state of the underlying client with the
// pipeline's own busy/error status.
func (p *Pipeline) State() session.State {
	st := p.client.State()
	p.stMu.RLock()
	st.Busy = p.busy
	if p.lastError != "" {
		st.LastError = p.lastError
	}
	if p.lastStatus != "" {
		st.LastStatus = p.lastStatus
	}
	p.stMu.RUnlock()
	return st
}

// Template loads the stored post template; absent yields the zero value.
func (p *Pipeline) Template(ctx context.Context) (Template, error) {
	var t Template
	raw, ok, err := p.kv.Get(ctx, kvstore.KeyPostTemplate)
	if err != nil {
		return t, err
	}
	if !ok || raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		slog.Warn("post template unparseable, treating as absent", slog.Any("err", err))
		return Template{}, nil
	}
	return t, nil
}

// SaveTemplate persists the template verbatim.
func (p *Pipeline) SaveTemplate(ctx context.Context, t Template) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return p.kv.Set(ctx, kvstore.KeyPostTemplate, string(b))
}

// Publish runs the full pipeline. Caller-supplied text takes precedence over
// the stored template; either is rendered against data. A final submission
// failure is logged and propagated so the caller can react; every earlier
// network failure except the connect guard degrades instead of aborting.
func (p *Pipeline) Publish(ctx context.Context, text string, data tmpl.EventData) (*bluesky.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setBusy(true)
	defer p.setBusy(false)

	ctx, span := telemetry.StartSpan(ctx, "publish", "pipeline.publish")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx)

	var (
		receipt *bluesky.Receipt
		err     error
	)
	telemetry.TimeFunc(telemetry.PublishDuration, func() {
		receipt, err = p.publish(ctx, log, text, data)
	})

	p.stMu.Lock()
	if err != nil {
		p.lastError = err.Error()
		p.stMu.Unlock()
		telemetry.PublishesFailed.Inc()
		return nil, err
	}
	p.lastError = ""
	p.lastStatus = "posted " + receipt.URI
	p.stMu.Unlock()
	telemetry.PublishesSucceeded.Inc()
	return receipt, nil
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, text string, data tmpl.EventData) (*bluesky.Receipt, error) {
	// 1. Connect guard: a publish never reaches the network unauthenticated.
	if err := p.client.EnsureSession(ctx); err != nil {
		return nil, err
	}

	tpl, err := p.Template(ctx)
	if err != nil {
		return nil, fmt.Errorf("load post template: %w", err)
	}

	// 2. Final text: caller text wins over the stored template.
	if text == "" {
		text = tpl.Text
	}
	text = tmpl.Render(text, data)

	// 3. Media reference: event-supplied image wins over the template's.
	mediaURL := data["imageUrl"]
	if mediaURL == "" {
		mediaURL = tpl.MediaURL
	}

	// 4. Media fetch and upload, degrading to a plain link on any failure.
	var embed *bluesky.ImageEmbed
	if mediaURL != "" {
		embed, err = p.attachMedia(ctx, mediaURL, data)
		if err != nil {
			log.Warn("media unavailable, appending plain link", slog.Any("err", err))
			telemetry.MediaFallbacks.Inc()
			text = text + "\n\n" + mediaURL
			embed = nil
		}
	}

	// 5. Facet detection over the final text, fallback link included.
	facets := bluesky.DetectFacets(ctx, text, p.client)

	// 6. Submission.
	receipt, err := p.client.CreatePost(ctx, bluesky.Post{
		Text:      text,
		Facets:    facets,
		Embed:     embed,
		CreatedAt: p.now(),
	})
	if err != nil {
		log.Error("post submission failed", slog.Any("err", err))
		return nil, fmt.Errorf("submit post: %w", err)
	}
	log.Info("post published", slog.String("uri", receipt.URI))
	return receipt, nil
}

// attachMedia fetches the media bytes and uploads them, returning the embed
// block. Both stages return an UploadError on failure.
func (p *Pipeline) attachMedia(ctx context.Context, mediaURL string, data tmpl.EventData) (*bluesky.ImageEmbed, error) {
	raw, err := p.fetchMedia(ctx, mediaURL)
	if err != nil {
		return nil, &UploadError{Stage: "fetch", URL: mediaURL, Err: err}
	}

	mimeType := classifyMedia(mediaURL)
	uctx, cancel := context.WithTimeout(ctx, p.timeout)
	blob, err := p.client.UploadBlob(uctx, raw, mimeType)
	cancel()
	if err != nil {
		return nil, &UploadError{Stage: "upload", URL: mediaURL, Err: err}
	}

	aspect := defaultAspect
	return bluesky.NewImageEmbed(bluesky.EmbedImage{
		Alt:         mediaAlt(data),
		Image:       blob,
		AspectRatio: &aspect,
	}), nil
}

func (p *Pipeline) fetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty media body")
	}
	if len(raw) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d byte limit", maxMediaBytes)
	}
	return raw, nil
}

// classifyMedia maps a URL suffix to a MIME type: .gif is the animated image
// type, anything else is treated as a static image.
func classifyMedia(mediaURL string) string {
	trimmed := mediaURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if strings.HasSuffix(strings.ToLower(trimmed), ".gif") {
		return "image/gif"
	}
	return "image/jpeg"
}

// mediaAlt derives the accessibility caption from the event's game name.
func mediaAlt(data tmpl.EventData) string {
	if game := data["gamename"]; game != "" {
		return game + " speedrun"
	}
	return "Stream announcement image"
}

func (p *Pipeline) setBusy(v bool) {
	p.stMu.Lock()
	p.busy = v
	p.stMu.Unlock()
}
