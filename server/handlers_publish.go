package server

import (
	"errors"
	"net/http"

	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/tmpl"
)

// HandlePublish triggers the post pipeline. text overrides the stored
// template; data supplies placeholder values.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		Text string         `json:"text"`
		Data tmpl.EventData `json:"data"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	receipt, err := h.Pipe.Publish(r.Context(), in.Text, in.Data)
	if err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// HandleTitle applies the channel title. text overrides the stored template.
func (h *Handlers) HandleTitle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		Text string         `json:"text"`
		Data tmpl.EventData `json:"data"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := h.Titler.Update(r.Context(), in.Text, in.Data); err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Twitch.State())
}

func publishStatus(err error) int {
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}
