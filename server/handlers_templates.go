package server

import (
	"net/http"

	"github.com/castforge/streammeta/publish"
	"github.com/castforge/streammeta/title"
)

// HandlePostTemplate round-trips the post blueprint. PUT stores the body
// verbatim; placeholders are substituted only at publish time.
func (h *Handlers) HandlePostTemplate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t, err := h.Pipe.Template(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var t publish.Template
		if !decodeJSON(w, r, &t) {
			return
		}
		if err := h.Pipe.SaveTemplate(r.Context(), t); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleTitleTemplate round-trips the channel title blueprint.
func (h *Handlers) HandleTitleTemplate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t, err := h.Titler.Template(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var t title.Template
		if !decodeJSON(w, r, &t) {
			return
		}
		if err := h.Titler.SaveTemplate(r.Context(), t); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
