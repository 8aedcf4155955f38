// Package relay implements the real-time protocol: connection admission,
// room subscriptions and encrypted message fan-out. Transports feed decoded
// frames into Dispatch and drain each Client's event channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	"github.com/veilchat/relay-server-go/internal/auth"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/model"
)

// ErrSessionEnded tells the transport to close: the connection's session is
// gone or expired.
var ErrSessionEnded = errors.New("session ended")

type Sessions interface {
	ValidateToken(token string) (*auth.Claims, error)
	SessionForHandshake(ctx context.Context, claims *auth.Claims, requestedID, connID string) (*model.Session, bool)
	UnbindConnection(connID string) (string, bool)
	UserForConnection(connID string) (string, bool)
	EndSession(ctx context.Context, sessionID string) bool
}

type Messages interface {
	Store(ctx context.Context, senderID, id string, env *model.Envelope) (*model.Message, error)
}

type Profiles interface {
	Profile(ctx context.Context, userID string) (*model.UserSummary, error)
}

type Relay struct {
	hub      *Hub
	sessions Sessions
	messages Messages
	profiles Profiles
}

func New(hub *Hub, sessions Sessions, messages Messages, profiles Profiles) *Relay {
	return &Relay{
		hub:      hub,
		sessions: sessions,
		messages: messages,
		profiles: profiles,
	}
}

func (r *Relay) Hub() *Hub {
	return r.hub
}

// Authenticate runs before any transport upgrade; a failure creates no state.
func (r *Relay) Authenticate(token string) (*auth.Claims, error) {
	return r.sessions.ValidateToken(token)
}

// Connect admits an authenticated connection: it binds a session and
// registers the client. Others hear user_online when the session is opened,
// so taking over a login session announces nothing new. The first queued
// event is "connected".
func (r *Relay) Connect(ctx context.Context, claims *auth.Claims, requestedSessionID string) *Client {
	connID := uuid.NewString()

	sess, reused := r.sessions.SessionForHandshake(ctx, claims, requestedSessionID, connID)
	client := r.hub.Register(connID, claims.UserID)

	r.emit(client, EventConnected, ConnectedPayload{
		ConnectionID: connID,
		SessionID:    sess.ID,
		UserID:       claims.UserID,
	})

	log.Info().
		Str("connectionId", connID).
		Str("sessionId", sess.ID).
		Str("userId", claims.UserID).
		Bool("sessionReused", reused).
		Msg("relay connection established")

	return client
}

// Disconnect tears down the connection. The session ends with it; the user
// goes offline only if no other session is live.
func (r *Relay) Disconnect(ctx context.Context, client *Client) {
	r.hub.Unregister(client)

	sessionID, ok := r.sessions.UnbindConnection(client.ID)
	if !ok {
		return
	}
	if r.sessions.EndSession(ctx, sessionID) {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionEnd,
			UserID:    client.UserID,
			SessionID: sessionID,
			Details:   map[string]interface{}{"reason": "disconnect"},
		})
	}
}

// Dispatch handles one inbound frame. Protocol errors are reported to the
// sender as "error" events; only ErrSessionEnded is returned.
func (r *Relay) Dispatch(ctx context.Context, client *Client, event Event) error {
	userID, ok := r.sessions.UserForConnection(client.ID)
	if !ok || userID != client.UserID {
		r.sendError(client, apperrors.InvalidToken())
		return ErrSessionEnded
	}

	var err error
	switch event.Type {
	case EventJoin:
		err = r.handleJoin(client, event.Data)
	case EventLeave:
		err = r.handleLeave(client, event.Data)
	case EventMessage:
		err = r.handleMessage(ctx, client, event.Data)
	case EventVerifyRoom:
		err = r.handleVerifyRoom(client, event.Data)
	default:
		err = apperrors.UnknownEvent(event.Type)
	}

	if err != nil {
		log.Debug().
			Err(err).
			Str("connectionId", client.ID).
			Str("eventType", event.Type).
			Msg("relay event rejected")
		r.sendError(client, err)
	}
	return nil
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.InvalidInput("payload", "malformed JSON")
	}
	return nil
}

// checkRoom rejects rooms the user is not part of.
func checkRoom(room, userID string) error {
	if _, ok := Peer(room, userID); !ok {
		return apperrors.Forbidden("Not a member of this room")
	}
	return nil
}

func (r *Relay) handleJoin(client *Client, data json.RawMessage) error {
	var req JoinRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	room := req.Room
	switch {
	case room == "" && req.UserID == "":
		return apperrors.MissingRequired("room or user_id")
	case room == "":
		room = RoomName(client.UserID, req.UserID)
	}
	if err := checkRoom(room, client.UserID); err != nil {
		return err
	}

	r.hub.Join(client, room)

	with := req.UserID
	if with == "" {
		with, _ = Peer(room, client.UserID)
	}
	r.emit(client, EventJoined, JoinedPayload{Room: room, With: with})
	return nil
}

func (r *Relay) handleLeave(client *Client, data json.RawMessage) error {
	var req RoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Room == "" {
		return apperrors.MissingRequired("room")
	}

	r.hub.Leave(client, req.Room)
	r.emit(client, EventLeft, LeftPayload{Room: req.Room})
	return nil
}

func (r *Relay) handleMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var req MessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Room == "" {
		return apperrors.MissingRequired("room")
	}
	if isAbsent(req.SecureMessage) {
		return apperrors.MissingRequired("secure_message")
	}

	var env model.Envelope
	if err := json.Unmarshal(req.SecureMessage, &env); err != nil {
		return apperrors.InvalidInput("secure_message", "invalid format")
	}
	if !r.hub.InRoom(client, req.Room) {
		return apperrors.NotInRoom(req.Room)
	}
	// the room decides who receives it, so the envelope must name the same peer
	if peer, _ := Peer(req.Room, client.UserID); env.RecipientID != "" && env.RecipientID != peer {
		return apperrors.InvalidInput("recipient_id", "must be the other member of the room")
	}

	sender, err := r.profiles.Profile(ctx, client.UserID)
	if err != nil {
		return err
	}

	msg, err := r.messages.Store(ctx, client.UserID, req.ID, &env)
	if err != nil {
		return err
	}

	payload := MessagePayload{
		ID:            msg.ID,
		Sender:        *sender,
		SecureMessage: req.SecureMessage,
		Timestamp:     msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if event, err := NewEvent(EventMessage, payload); err == nil {
		r.hub.BroadcastRoom(req.Room, event, client)
	}

	r.emit(client, EventMessageSent, MessageSentPayload{ID: msg.ID, Room: req.Room, Success: true})
	return nil
}

func (r *Relay) handleVerifyRoom(client *Client, data json.RawMessage) error {
	var req VerifyRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Room == "" {
		return apperrors.MissingRequired("room")
	}
	if err := checkRoom(req.Room, client.UserID); err != nil {
		return err
	}

	r.hub.Join(client, req.Room)

	userIDs := req.UserIDs
	if userIDs == nil {
		userIDs = []string{}
	}
	if event, err := NewEvent(EventRoomVerified, RoomVerifiedPayload{
		Room:       req.Room,
		UserIDs:    userIDs,
		VerifiedBy: client.UserID,
	}); err == nil {
		r.hub.BroadcastRoom(req.Room, event, nil)
	}

	r.emit(client, EventRoomVerificationResult, VerificationResultPayload{Room: req.Room, Success: true})
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

func (r *Relay) emit(client *Client, eventType string, data any) {
	event, err := NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	r.hub.Send(client, event)
}

// sendError reports err to the originating connection only. Internal causes
// are never exposed.
func (r *Relay) sendError(client *Client, err error) {
	payload := ErrorPayload{
		Message: "Internal server error",
		Code:    string(apperrors.ErrCodeInternal),
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		payload.Code = string(appErr.Code)
		payload.Details = appErr.Details
		switch appErr.Code {
		case apperrors.ErrCodeDatabase:
			payload.Message = "Failed to store message"
		default:
			payload.Message = appErr.Message
		}
	}
	r.emit(client, EventError, payload)
}

// Reject reports a transport-level failure, such as an undecodable frame,
// to the client as an "error" event.
func (r *Relay) Reject(client *Client, err error) {
	r.sendError(client, err)
}

// DisconnectConnection closes a live connection by id, telling the client
// its token is no longer valid. It is used when a session expires.
func (r *Relay) DisconnectConnection(ctx context.Context, connID string) bool {
	client, ok := r.hub.Client(connID)
	if !ok {
		return false
	}
	r.sendError(client, apperrors.InvalidToken())
	r.Disconnect(ctx, client)
	return true
}
