package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/service"
)

type MessageStore interface {
	Store(ctx context.Context, senderID, id string, env *model.Envelope) (*model.Message, error)
	History(ctx context.Context, userID, peerID string) ([]model.Message, error)
}

type UserChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type MessagesHandler struct {
	messages MessageStore
	users    UserChecker
}

func NewMessagesHandler(messages MessageStore, users UserChecker) *MessagesHandler {
	return &MessagesHandler{messages: messages, users: users}
}

func (h *MessagesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Send)
	r.Get("/", h.History)

	return r
}

// POST /api/messages
// Stores an envelope without relaying it; the relay path is the socket.
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := decodeJSON(r, &env); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := service.ValidateEnvelope(&env); err != nil {
		httputil.WriteError(w, err)
		return
	}

	msg, err := h.messages.Store(r.Context(), middleware.GetUserID(r.Context()), "", &env)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Message stored successfully",
		"id":      msg.ID,
	})
}

// GET /api/messages?user_id=
func (h *MessagesHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerID := r.URL.Query().Get("user_id")

	if peerID != "" {
		exists, err := h.users.Exists(ctx, peerID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if !exists {
			httputil.WriteError(w, apperrors.NotFound("User"))
			return
		}
	}

	msgs, err := h.messages.History(ctx, middleware.GetUserID(ctx), peerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
