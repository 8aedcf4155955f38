package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/repository"
	"github.com/veilchat/relay-server-go/internal/util"
)

type UserService struct {
	userRepo repository.UserRepository
}

func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

// findUser treats an id that is not a UUID like any other unknown id.
func (s *UserService) findUser(ctx context.Context, userID string) (*model.User, error) {
	if !util.IsValidUUID(userID) {
		return nil, nil
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return user, nil
}

func (s *UserService) Profile(ctx context.Context, userID string) (*model.UserSummary, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	summary := user.Summary()
	return &summary, nil
}

func (s *UserService) UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.UserSummary, error) {
	name, ok := util.NormalizeDisplayName(displayName)
	if !ok {
		return nil, apperrors.InvalidInput("display_name", fmt.Sprintf("must be at most %d characters", util.MaxDisplayNameLength))
	}
	if name == "" {
		return nil, apperrors.MissingRequired("Display name")
	}

	user, err := s.userRepo.Update(ctx, userID, model.UpdateUserParams{DisplayName: &name})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}

	audit.Log(ctx, audit.Event{Type: audit.EventProfileUpdate, UserID: userID})
	log.Info().Str("userId", userID).Msg("display name updated")

	summary := user.Summary()
	return &summary, nil
}

func (s *UserService) PublicKey(ctx context.Context, userID string) (string, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", apperrors.NotFound("User")
	}
	return user.PublicKey, nil
}

// Exists reports whether userID names a registered user.
func (s *UserService) Exists(ctx context.Context, userID string) (bool, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}
