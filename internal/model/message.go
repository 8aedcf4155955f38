package model

import (
	"encoding/json"
	"time"
)

type Message struct {
	ID               string    `db:"id" json:"id"`
	SenderID         string    `db:"sender_id" json:"sender_id"`
	RecipientID      string    `db:"recipient_id" json:"recipient_id"`
	EncryptedContent string    `db:"encrypted_content" json:"encrypted_content"`
	EncryptedKey     string    `db:"encrypted_key" json:"encrypted_key"`
	Signature        string    `db:"signature" json:"signature"`
	CreatedAt        time.Time `db:"created_at" json:"timestamp"`
}

type CreateMessageParams struct {
	ID               string
	SenderID         string
	RecipientID      string
	EncryptedContent string
	EncryptedKey     string
	Signature        string
}

// Envelope is the encrypted triple plus its recipient as exchanged between peers.
// EncryptedContent stays raw so it is relayed byte-for-byte.
type Envelope struct {
	RecipientID      string          `json:"recipient_id"`
	EncryptedContent json.RawMessage `json:"encrypted_content"`
	EncryptedKey     string          `json:"encrypted_key"`
	Signature        string          `json:"signature"`
}
