package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/relay"
	"github.com/veilchat/relay-server-go/internal/sse"
)

// EventsHandler is the fallback transport for clients that cannot open a
// WebSocket: server events stream over SSE and client frames arrive as POSTs
// addressed to the connection id from the "connected" event.
type EventsHandler struct {
	relay     *relay.Relay
	heartbeat time.Duration
}

func NewEventsHandler(r *relay.Relay) *EventsHandler {
	return &EventsHandler{
		relay:     r,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /v1/events?token=&session_id=
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.relay.Authenticate(middleware.ExtractToken(r))
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventSocketRejected,
			Details: map[string]interface{}{"transport": "sse"},
		})
		httputil.WriteError(w, apperrors.InvalidToken())
		return
	}

	stream, err := sse.NewStream(w)
	if err != nil {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx := r.Context()
	client := h.relay.Connect(ctx, claims, r.URL.Query().Get("session_id"))
	defer h.relay.Disconnect(context.WithoutCancel(ctx), client)

	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("connectionId", client.ID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("connectionId", client.ID).
				Msg("sse connection closed by relay")
			return

		case event := <-client.Events:
			if err := stream.Send(event.Type, event.Data); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				log.Debug().
					Str("connectionId", client.ID).
					Msg("heartbeat failed, closing connection")
				return
			}
		}
	}
}

// POST /v1/events/{connectionID}
// Requires Auth; the connection must belong to the caller.
func (h *EventsHandler) Post(w http.ResponseWriter, r *http.Request) {
	client, ok := h.relay.Hub().Client(chi.URLParam(r, "connectionID"))
	if !ok || client.UserID != middleware.GetUserID(r.Context()) {
		httputil.WriteError(w, apperrors.NotFound("Connection"))
		return
	}

	var event relay.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil || event.Type == "" {
		httputil.WriteError(w, apperrors.InvalidInput("frame", "expected {\"type\": ..., \"data\": ...}"))
		return
	}

	if err := h.relay.Dispatch(r.Context(), client, event); errors.Is(err, relay.ErrSessionEnded) {
		h.relay.Disconnect(context.WithoutCancel(r.Context()), client)
		httputil.WriteError(w, apperrors.InvalidToken())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
