package service

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/repository"
	"github.com/veilchat/relay-server-go/internal/util"
)

type MessageService struct {
	messageRepo repository.MessageRepository
}

func NewMessageService(messageRepo repository.MessageRepository) *MessageService {
	return &MessageService{messageRepo: messageRepo}
}

// ValidateEnvelope rejects envelopes with any field absent, null or empty.
// An empty object or array counts as empty content.
func ValidateEnvelope(env *model.Envelope) error {
	if env == nil {
		return apperrors.MissingRequired("secure_message")
	}
	switch {
	case env.RecipientID == "":
		return apperrors.MissingRequired("recipient_id")
	case isEmptyJSON(env.EncryptedContent):
		return apperrors.MissingRequired("encrypted_content")
	case env.EncryptedKey == "":
		return apperrors.MissingRequired("encrypted_key")
	case env.Signature == "":
		return apperrors.MissingRequired("signature")
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return len(bytes.TrimSpace(raw)) == 0
	}
	switch compact.String() {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	return false
}

// Store persists an envelope from senderID. An empty id is replaced by a new
// UUID; a client-supplied id must already be one.
func (s *MessageService) Store(ctx context.Context, senderID, id string, env *model.Envelope) (*model.Message, error) {
	if err := ValidateEnvelope(env); err != nil {
		return nil, err
	}
	if !util.IsValidUUID(env.RecipientID) {
		return nil, apperrors.InvalidInput("recipient_id", "must be a UUID")
	}

	if id == "" {
		id = uuid.NewString()
	} else if !util.IsValidUUID(id) {
		return nil, apperrors.InvalidInput("id", "must be a UUID")
	}

	var content bytes.Buffer
	if err := json.Compact(&content, env.EncryptedContent); err != nil {
		return nil, apperrors.InvalidInput("encrypted_content", "must be valid JSON")
	}

	msg, err := s.messageRepo.Create(ctx, model.CreateMessageParams{
		ID:               id,
		SenderID:         senderID,
		RecipientID:      env.RecipientID,
		EncryptedContent: content.String(),
		EncryptedKey:     env.EncryptedKey,
		Signature:        env.Signature,
	})
	if err != nil {
		switch {
		case repository.IsForeignKeyViolation(err):
			return nil, apperrors.NotFound("Recipient").WithCause(err)
		case repository.IsUniqueViolation(err):
			return nil, apperrors.AlreadyExists("Message").WithCause(err)
		case repository.IsInvalidTextRepresentation(err):
			return nil, apperrors.ValidationError("Malformed identifier").WithCause(err)
		}
		log.Error().
			Err(err).
			Str("senderId", senderID).
			Str("messageId", id).
			Msg("failed to store message")
		return nil, apperrors.Database(err)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("senderId", senderID).
		Str("recipientId", env.RecipientID).
		Msg("message stored")

	return msg, nil
}

// History returns the conversation between userID and peerID, oldest first.
func (s *MessageService) History(ctx context.Context, userID, peerID string) ([]model.Message, error) {
	if peerID == "" {
		return nil, apperrors.MissingRequired("user_id")
	}
	if !util.IsValidUUID(peerID) {
		return nil, apperrors.InvalidInput("user_id", "must be a UUID")
	}
	msgs, err := s.messageRepo.FindBetween(ctx, userID, peerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return msgs, nil
}
