package model

import (
	"time"
)

const DefaultDisplayName = "Anonymous"

type User struct {
	ID             string    `db:"id" json:"id"`
	PublicKey      string    `db:"public_key" json:"public_key"`
	AccessCodeHash string    `db:"access_code_hash" json:"-"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActive     time.Time `db:"last_active" json:"last_active"`
	IsOnline       bool      `db:"is_online" json:"is_online"`
}

// Summary is the view of a user shared with other users.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, DisplayName: u.DisplayName}
}

// PublicView includes the public key, used for online listings and registration responses.
func (u *User) PublicView() PublicUser {
	return PublicUser{ID: u.ID, DisplayName: u.DisplayName, PublicKey: u.PublicKey}
}

type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type PublicUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
}

type CreateUserParams struct {
	ID             string
	PublicKey      string
	AccessCodeHash string
	DisplayName    string
}

// UpdateUserParams carries a partial update; nil fields are left untouched.
type UpdateUserParams struct {
	DisplayName *string
	LastActive  *time.Time
	IsOnline    *bool
}
