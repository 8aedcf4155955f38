package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/repository"
)

const (
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
)

// PresencePublisher delivers presence events to every connected client
// except the connections belonging to excludeUserID.
type PresencePublisher interface {
	PublishPresence(eventType string, data any, excludeUserID string)
}

type PresenceEvent struct {
	User model.UserSummary `json:"user"`
}

type PresenceService struct {
	userRepo  repository.UserRepository
	publisher PresencePublisher
}

func NewPresenceService(userRepo repository.UserRepository, publisher PresencePublisher) *PresenceService {
	return &PresenceService{
		userRepo:  userRepo,
		publisher: publisher,
	}
}

func (s *PresenceService) MarkOnline(ctx context.Context, userID string) error {
	return s.mark(ctx, userID, true)
}

func (s *PresenceService) MarkOffline(ctx context.Context, userID string) error {
	return s.mark(ctx, userID, false)
}

func (s *PresenceService) mark(ctx context.Context, userID string, online bool) error {
	if err := s.userRepo.SetOnline(ctx, userID, online); err != nil {
		return fmt.Errorf("set online=%t: %w", online, err)
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return repository.ErrNotFound
	}

	eventType := EventUserOffline
	if online {
		eventType = EventUserOnline
	}
	s.publisher.PublishPresence(eventType, PresenceEvent{User: user.Summary()}, userID)

	log.Debug().
		Str("userId", userID).
		Bool("online", online).
		Msg("presence updated")

	return nil
}

// ListOnline returns online users other than excluding.
func (s *PresenceService) ListOnline(ctx context.Context, excluding string) ([]model.PublicUser, error) {
	users, err := s.userRepo.FindOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("find online users: %w", err)
	}

	result := make([]model.PublicUser, 0, len(users))
	for _, u := range users {
		if u.ID == excluding {
			continue
		}
		result = append(result, u.PublicView())
	}
	return result, nil
}
