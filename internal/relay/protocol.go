package relay

import (
	"encoding/json"

	"github.com/veilchat/relay-server-go/internal/model"
)

// Client to server event types.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventMessage    = "message"
	EventVerifyRoom = "verify_room"
)

// Server to client event types.
const (
	EventConnected              = "connected"
	EventJoined                 = "joined"
	EventLeft                   = "left"
	EventMessageSent            = "message_sent"
	EventRoomVerified           = "room_verified"
	EventRoomVerificationResult = "room_verification_result"
	EventError                  = "error"
)

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
}

type JoinRequest struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type JoinedPayload struct {
	Room string `json:"room"`
	With string `json:"with,omitempty"`
}

type RoomRequest struct {
	Room string `json:"room"`
}

type LeftPayload struct {
	Room string `json:"room"`
}

type MessageRequest struct {
	Room          string          `json:"room"`
	SecureMessage json.RawMessage `json:"secure_message"`
	ID            string          `json:"id"`
}

type MessagePayload struct {
	ID            string            `json:"id"`
	Sender        model.UserSummary `json:"sender"`
	SecureMessage json.RawMessage   `json:"secure_message"`
	Timestamp     string            `json:"timestamp"`
}

type MessageSentPayload struct {
	ID      string `json:"id"`
	Room    string `json:"room"`
	Success bool   `json:"success"`
}

type VerifyRoomRequest struct {
	Room    string   `json:"room"`
	UserIDs []string `json:"user_ids"`
}

type RoomVerifiedPayload struct {
	Room       string   `json:"room"`
	UserIDs    []string `json:"user_ids"`
	VerifiedBy string   `json:"verified_by"`
}

type VerificationResultPayload struct {
	Room    string `json:"room"`
	Success bool   `json:"success"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}
