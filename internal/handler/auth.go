package handler

import (
	"context"
	"net/http"

	"github.com/veilchat/relay-server-go/internal/audit"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/service"
)

type SessionManager interface {
	Register(ctx context.Context, displayName string) (*service.RegisterResult, error)
	Login(ctx context.Context, accessCode string) (*service.LoginResult, error)
	Logout(ctx context.Context, userID, sessionID string) error
}

type AuthHandler struct {
	sessions SessionManager
}

func NewAuthHandler(sessions SessionManager) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

// POST /api/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.sessions.Register(r.Context(), req.DisplayName)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":     "User registered successfully",
		"user":        result.User.PublicView(),
		"access_code": result.AccessCode,
		"private_key": result.PrivateKey,
		"token":       result.Token,
		"session_id":  result.SessionID,
	})
}

// POST /api/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessCode string `json:"access_code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.sessions.Login(r.Context(), req.AccessCode)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventLoginFailure})
		}
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    result.User.ID,
		SessionID: result.SessionID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Login successful",
		"user":       result.User.PublicView(),
		"token":      result.Token,
		"session_id": result.SessionID,
	})
}

// POST /api/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.sessions.Logout(r.Context(), userID, req.SessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLogout,
		UserID:    userID,
		SessionID: req.SessionID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
