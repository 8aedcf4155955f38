package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/veilchat/relay-server-go/internal/model"
)

type UserRepository interface {
	Create(ctx context.Context, params model.CreateUserParams) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByAccessCodeHash(ctx context.Context, hash string) (*model.User, error)
	FindOnline(ctx context.Context) ([]model.User, error)
	Update(ctx context.Context, id string, params model.UpdateUserParams) (*model.User, error)
	SetOnline(ctx context.Context, id string, online bool) error
	ResetOnline(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) UserRepository
}

type userRepo struct {
	db sqlxDB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) WithTx(tx *sqlx.Tx) UserRepository {
	return &userRepo{db: tx}
}

func (r *userRepo) Create(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	displayName := params.DisplayName
	if displayName == "" {
		displayName = model.DefaultDisplayName
	}

	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (id, public_key, access_code_hash, display_name)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ID, params.PublicKey, params.AccessCodeHash, displayName)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByAccessCodeHash(ctx context.Context, hash string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE access_code_hash = $1
	`, hash)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindOnline(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT * FROM users
		WHERE is_online = TRUE
		ORDER BY last_active DESC
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepo) Update(ctx context.Context, id string, params model.UpdateUserParams) (*model.User, error) {
	sets := []string{}
	args := []interface{}{id}
	argIdx := 2

	if params.DisplayName != nil {
		sets = append(sets, fmt.Sprintf("display_name = $%d", argIdx))
		args = append(args, *params.DisplayName)
		argIdx++
	}
	if params.LastActive != nil {
		sets = append(sets, fmt.Sprintf("last_active = $%d", argIdx))
		args = append(args, *params.LastActive)
		argIdx++
	}
	if params.IsOnline != nil {
		sets = append(sets, fmt.Sprintf("is_online = $%d", argIdx))
		args = append(args, *params.IsOnline)
	}

	if len(sets) == 0 {
		return r.FindByID(ctx, id)
	}

	var user model.User
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $1 RETURNING *`, strings.Join(sets, ", "))
	err := r.db.GetContext(ctx, &user, query, args...)
	return HandleNotFound(&user, err)
}

// SetOnline flips the presence flag and touches last_active in one statement.
func (r *userRepo) SetOnline(ctx context.Context, id string, online bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			is_online = $2,
			last_active = NOW()
		WHERE id = $1
	`, id, online)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) ResetOnline(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET is_online = FALSE WHERE is_online = TRUE
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
