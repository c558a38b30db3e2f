package spotter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/problem"
	"github.com/MrWong99/spotters/internal/roster"
)

// maxBodyBytes bounds update request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the spotter HTTP routes.
type Handler struct {
	svc    *Service
	roster *roster.Roster
}

// NewHandler returns a handler reading from r and updating through svc.
func NewHandler(svc *Service, r *roster.Roster) *Handler {
	return &Handler{svc: svc, roster: r}
}

// Register adds the spotter routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Home)
	mux.HandleFunc("GET /spotter/{username}", h.Spotter)
	mux.HandleFunc("PATCH /spotter/update-characters/{username}", h.UpdateCharacters)
	mux.HandleFunc("GET /obs/{username}/{character}", h.Overlay)
}

type userView struct {
	Username   string             `json:"username"`
	Characters []config.Character `json:"characters"`
}

type overlayView struct {
	Username  string           `json:"username"`
	Character config.Character `json:"character"`
}

// Home lists every user with their characters.
func (h *Handler) Home(w http.ResponseWriter, _ *http.Request) {
	users := h.roster.Users()
	out := make([]userView, len(users))
	for i, u := range users {
		out[i] = userView{Username: u.Username, Characters: u.Characters}
	}
	writeJSON(w, http.StatusOK, out)
}

// Spotter returns one user's characters.
func (h *Handler) Spotter(w http.ResponseWriter, r *http.Request) {
	u, err := h.roster.User(r.PathValue("username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView{Username: u.Username, Characters: u.Characters})
}

// Overlay returns a single character for an overlay page.
func (h *Handler) Overlay(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	c, err := h.roster.Character(username, r.PathValue("character"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.roster.User(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overlayView{Username: u.Username, Character: c})
}

// UpdateCharacters applies a JSON array of {name, visible, active} updates.
// It answers 200 with an empty body on success.
func (h *Handler) UpdateCharacters(w http.ResponseWriter, r *http.Request) {
	var updates []roster.CharacterUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&updates); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "body must be a JSON array of {name, visible, active}: "+err.Error())
		return
	}
	if err := h.svc.UpdateCharacters(r.Context(), r.PathValue("username"), updates); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeError maps service errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, roster.ErrUserNotFound), errors.Is(err, roster.ErrCharacterNotFound):
		problem.Write(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, roster.ErrConflictingActive):
		problem.Write(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		problem.Write(w, r, http.StatusInternalServerError, "the request could not be completed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
