package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	"github.com/veilchat/relay-server-go/internal/config"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/relay"
)

// SocketHandler serves the WebSocket transport. It must be mounted outside
// any request timeout middleware.
type SocketHandler struct {
	relay    *relay.Relay
	upgrader websocket.Upgrader
}

func NewSocketHandler(r *relay.Relay, allowedOrigins []string) *SocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &SocketHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// GET /ws?token=&session_id=
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.relay.Authenticate(middleware.ExtractToken(r))
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventSocketRejected,
			Details: map[string]interface{}{"transport": "websocket"},
		})
		httputil.WriteError(w, apperrors.InvalidToken())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(config.SocketMaxFrameSize)

	ctx := context.WithoutCancel(r.Context())

	client := h.relay.Connect(ctx, claims, r.URL.Query().Get("session_id"))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	h.readPump(ctx, conn, client)

	h.relay.Disconnect(ctx, client)
	<-writerDone
}

func (h *SocketHandler) readPump(ctx context.Context, conn *websocket.Conn, client *relay.Client) {
	conn.SetReadDeadline(time.Now().Add(config.SocketPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.SocketPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connectionId", client.ID).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(config.SocketPongTimeout))

		var event relay.Event
		if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
			h.relay.Reject(client, apperrors.InvalidInput("frame", "expected {\"type\": ..., \"data\": ...}"))
			continue
		}

		if err := h.relay.Dispatch(ctx, client, event); errors.Is(err, relay.ErrSessionEnded) {
			log.Info().Str("connectionId", client.ID).Msg("session ended, closing websocket")
			return
		}
	}
}

// writePump is the only writer on conn. It closes conn when the client is
// unregistered, after flushing whatever is still queued.
func (h *SocketHandler) writePump(conn *websocket.Conn, client *relay.Client) {
	ping := time.NewTicker(config.SocketPingInterval)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case event := <-client.Events:
			if err := writeFrame(conn, event); err != nil {
				log.Debug().Err(err).Str("connectionId", client.ID).Msg("websocket write failed")
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(config.SocketWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.Done:
			for {
				select {
				case event := <-client.Events:
					if err := writeFrame(conn, event); err != nil {
						return
					}
				default:
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(config.SocketWriteTimeout))
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, event relay.Event) error {
	conn.SetWriteDeadline(time.Now().Add(config.SocketWriteTimeout))
	return conn.WriteJSON(event)
}
