package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/model"
)

type UserDirectory interface {
	Profile(ctx context.Context, userID string) (*model.UserSummary, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.UserSummary, error)
	PublicKey(ctx context.Context, userID string) (string, error)
}

type OnlineLister interface {
	ListOnline(ctx context.Context, excluding string) ([]model.PublicUser, error)
}

type UsersHandler struct {
	users    UserDirectory
	presence OnlineLister
}

func NewUsersHandler(users UserDirectory, presence OnlineLister) *UsersHandler {
	return &UsersHandler{users: users, presence: presence}
}

func (h *UsersHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/online", h.Online)
	r.Get("/profile", h.GetProfile)
	r.Put("/profile", h.UpdateProfile)
	r.Get("/{userID}/public-key", h.PublicKey)

	return r
}

// GET /api/users/online
func (h *UsersHandler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.ListOnline(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		log.Error().Err(err).Msg("failed to list online users")
		httputil.WriteError(w, apperrors.Internal("Failed to fetch online users"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// GET /api/users/{userID}/public-key
func (h *UsersHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.users.PublicKey(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

// GET /api/users/profile
func (h *UsersHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Profile(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// PUT /api/users/profile
func (h *UsersHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	user, err := h.users.UpdateDisplayName(r.Context(), middleware.GetUserID(r.Context()), req.DisplayName)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated successfully",
		"user":    user,
	})
}
