package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/castforge/streammeta/bluesky"
	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/obs"
	"github.com/castforge/streammeta/publish"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/title"
)

// Handlers holds dependencies for all HTTP handlers. Studio is nil when no
// scene-control address is configured; its routes then answer 503.
type Handlers struct {
	DB      *sql.DB
	Twitch  *session.TwitchSession
	Bluesky *bluesky.Client
	Creds   *credstore.Store
	KV      kvstore.Store
	Pipe    *publish.Pipeline
	Titler  *title.Updater
	Studio  obs.Facade
	DataDir string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON rejects oversized and malformed bodies uniformly.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
