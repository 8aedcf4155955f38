package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/veilchat/relay-server-go/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
	FindBetween(ctx context.Context, userA, userB string) ([]model.Message, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) MessageRepository
}

type messageRepo struct {
	db sqlxDB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return &messageRepo{db: tx}
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO messages
			(id, sender_id, recipient_id, encrypted_content, encrypted_key, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.ID, params.SenderID, params.RecipientID,
		params.EncryptedContent, params.EncryptedKey, params.Signature)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindBetween returns the conversation in both directions, oldest first.
func (r *messageRepo) FindBetween(ctx context.Context, userA, userB string) ([]model.Message, error) {
	msgs := []model.Message{}
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC, id ASC
	`, userA, userB)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
