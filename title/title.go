// Package title applies rendered channel metadata to the broadcast platform.
// Category sync is best-effort: a catalog miss never blocks the title write.
package title

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/telemetry"
	"github.com/castforge/streammeta/tmpl"
	"github.com/castforge/streammeta/twitchapi"
)

// Template is the stored title blueprint. UpdateGame opts the channel into
// category sync from the event's game name.
type Template struct {
	Text       string `json:"text"`
	UpdateGame bool   `json:"updateGame"`
}

// Updater renders the title template and pushes the result through the
// authorized session.
type Updater struct {
	sess *session.TwitchSession
	api  *twitchapi.Client
	kv   kvstore.Store
}

func New(sess *session.TwitchSession, api *twitchapi.Client, kv kvstore.Store) *Updater {
	return &Updater{sess: sess, api: api, kv: kv}
}

// Template loads the stored title template; absent yields the zero value.
func (u *Updater) Template(ctx context.Context) (Template, error) {
	var t Template
	raw, ok, err := u.kv.Get(ctx, kvstore.KeyTitleTemplate)
	if err != nil {
		return t, err
	}
	if !ok || raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		slog.Warn("title template unparseable, treating as absent", slog.Any("err", err))
		return Template{}, nil
	}
	return t, nil
}

// SaveTemplate persists the template verbatim.
func (u *Updater) SaveTemplate(ctx context.Context, t Template) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return u.kv.Set(ctx, kvstore.KeyTitleTemplate, string(b))
}

// Update applies the rendered title to the channel. Caller-supplied text
// takes precedence over the stored template; either is rendered against
// data. The expiry guard inside the session runs before any platform call,
// and a guard failure aborts the write entirely.
func (u *Updater) Update(ctx context.Context, text string, data tmpl.EventData) error {
	ctx, span := telemetry.StartSpan(ctx, "title", "title.update")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx)

	tpl, err := u.Template(ctx)
	if err != nil {
		return fmt.Errorf("load title template: %w", err)
	}
	if text == "" {
		text = tpl.Text
	}
	text = tmpl.Render(text, data)
	if text == "" {
		return errors.New("no title text: neither request nor template provided one")
	}

	telemetry.TimeFunc(telemetry.TitleUpdateDuration, func() {
		err = u.sess.Do(ctx, "title update", func(ctx context.Context, token, accountID string) error {
			gameID := u.resolveGameID(ctx, log, token, tpl, data)
			return u.api.UpdateChannel(ctx, token, accountID, text, gameID)
		})
	})
	if err != nil {
		telemetry.TitleUpdatesFailed.Inc()
		return err
	}
	telemetry.TitleUpdatesSucceeded.Inc()
	log.Info("channel title updated", slog.String("title", text))
	return nil
}

// resolveGameID looks up the catalog id for the event's game name when the
// template opts in. Lookup failures and misses fall back to leaving the
// category untouched.
func (u *Updater) resolveGameID(ctx context.Context, log *slog.Logger, token string, tpl Template, data tmpl.EventData) string {
	if !tpl.UpdateGame {
		return ""
	}
	name := data["gamename"]
	if name == "" {
		return ""
	}
	cats, err := u.api.SearchCategory(ctx, token, name)
	if err != nil {
		log.Warn("category lookup failed, keeping current category",
			slog.String("game", name), slog.Any("err", err))
		return ""
	}
	if len(cats) == 0 {
		log.Warn("no catalog match for game, keeping current category", slog.String("game", name))
		return ""
	}
	return cats[0].ID
}
