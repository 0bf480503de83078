package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/castforge/streammeta/obs"
)

// studio returns the scene-control facade or reports 503 when none is
// configured.
func (h *Handlers) studio(w http.ResponseWriter) (obs.Facade, bool) {
	if h.Studio == nil {
		writeError(w, http.StatusServiceUnavailable, "scene control not configured")
		return nil, false
	}
	return h.Studio, true
}

func obsStatus(err error) int {
	var reqErr *obs.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Code == 600 {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// HandleOBSScenes lists the scene collection and the program scene.
func (h *Handlers) HandleOBSScenes(w http.ResponseWriter, r *http.Request) {
	studio, ok := h.studio(w)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	current, scenes, err := studio.ListScenes(r.Context())
	if err != nil {
		writeError(w, obsStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": current, "scenes": scenes})
}

// HandleOBSSetScene switches the program scene.
func (h *Handlers) HandleOBSSetScene(w http.ResponseWriter, r *http.Request) {
	studio, ok := h.studio(w)
	if !ok {
		return
	}
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in struct {
		Scene string `json:"scene"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Scene == "" {
		writeError(w, http.StatusBadRequest, "scene required")
		return
	}
	if err := studio.SetCurrentScene(r.Context(), in.Scene); err != nil {
		writeError(w, obsStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleOBSSceneSources lists sources for /obs/scenes/{scene}/sources.
func (h *Handlers) HandleOBSSceneSources(w http.ResponseWriter, r *http.Request) {
	studio, ok := h.studio(w)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/obs/scenes/")
	scene, tail, found := strings.Cut(rest, "/")
	if !found || tail != "sources" || scene == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sources, err := studio.ListSceneSources(r.Context(), scene)
	if err != nil {
		writeError(w, obsStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scene": scene, "sources": sources})
}

// HandleOBSSourceText reads (?source=) or writes a text source's content.
func (h *Handlers) HandleOBSSourceText(w http.ResponseWriter, r *http.Request) {
	studio, ok := h.studio(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		source := r.URL.Query().Get("source")
		if source == "" {
			writeError(w, http.StatusBadRequest, "source query parameter required")
			return
		}
		text, err := studio.GetSourceText(r.Context(), source)
		if err != nil {
			writeError(w, obsStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"source": source, "text": text})
	case http.MethodPut:
		var in struct {
			Source string `json:"source"`
			Text   string `json:"text"`
		}
		if !decodeJSON(w, r, &in) {
			return
		}
		if in.Source == "" {
			writeError(w, http.StatusBadRequest, "source required")
			return
		}
		if err := studio.SetSourceText(r.Context(), in.Source, in.Text); err != nil {
			writeError(w, obsStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
