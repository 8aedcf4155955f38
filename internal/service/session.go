package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	"github.com/veilchat/relay-server-go/internal/auth"
	"github.com/veilchat/relay-server-go/internal/database"
	"github.com/veilchat/relay-server-go/internal/e2ecrypto"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/repository"
	"github.com/veilchat/relay-server-go/internal/session"
	"github.com/veilchat/relay-server-go/internal/util"
)

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type KeyGenerator interface {
	GenerateKeyPair() (*e2ecrypto.KeyPair, error)
}

type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Validate(token string) (*auth.Claims, error)
}

// presenceTracker is the part of PresenceService the session lifecycle drives.
type presenceTracker interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
}

type RegisterResult struct {
	User       *model.User
	AccessCode string
	PrivateKey string
	Token      string
	SessionID  string
}

type LoginResult struct {
	User      *model.User
	Token     string
	SessionID string
}

type SessionService struct {
	db       TxRunner
	userRepo repository.UserRepository
	keys     KeyGenerator
	tokens   TokenIssuer
	table    *session.Table
	presence presenceTracker
	now      func() time.Time
}

func NewSessionService(
	db TxRunner,
	userRepo repository.UserRepository,
	keys KeyGenerator,
	tokens TokenIssuer,
	table *session.Table,
	presence presenceTracker,
) *SessionService {
	return &SessionService{
		db:       db,
		userRepo: userRepo,
		keys:     keys,
		tokens:   tokens,
		table:    table,
		presence: presence,
		now:      time.Now,
	}
}

// Register creates an anonymous user with a fresh keypair and access code.
// The private key and access code are returned once and never stored.
func (s *SessionService) Register(ctx context.Context, displayName string) (*RegisterResult, error) {
	name, ok := util.NormalizeDisplayName(displayName)
	if !ok {
		return nil, apperrors.InvalidInput("display_name", fmt.Sprintf("must be at most %d characters", util.MaxDisplayNameLength))
	}

	keyPair, err := s.keys.GenerateKeyPair()
	if err != nil {
		return nil, apperrors.Crypto(err)
	}

	accessCode, err := util.GenerateAccessCode()
	if err != nil {
		return nil, apperrors.Crypto(err)
	}

	var (
		user      *model.User
		token     string
		expiresAt time.Time
	)
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		created, err := s.userRepo.WithTx(tx).Create(ctx, model.CreateUserParams{
			ID:             uuid.NewString(),
			PublicKey:      keyPair.PublicKeyPEM,
			AccessCodeHash: util.HashToken(accessCode),
			DisplayName:    name,
		})
		if err != nil {
			if repository.IsUniqueViolation(err) {
				return apperrors.AlreadyExists("User").WithCause(err)
			}
			return apperrors.Database(err)
		}

		// signing inside the transaction rolls the insert back on failure
		token, expiresAt, err = s.tokens.Issue(created.ID)
		if err != nil {
			return apperrors.Internal("Failed to issue token").WithCause(err)
		}
		user = created
		return nil
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.Database(err)
	}

	sess := s.openSession(ctx, user.ID, expiresAt, "")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRegister,
		UserID:    user.ID,
		SessionID: sess.ID,
	})

	return &RegisterResult{
		User:       user,
		AccessCode: accessCode,
		PrivateKey: keyPair.PrivateKeyPEM,
		Token:      token,
		SessionID:  sess.ID,
	}, nil
}

func (s *SessionService) Login(ctx context.Context, accessCode string) (*LoginResult, error) {
	accessCode = strings.TrimSpace(accessCode)
	if accessCode == "" {
		return nil, apperrors.MissingRequired("Access code")
	}
	if !util.IsWellFormedAccessCode(accessCode) {
		return nil, apperrors.InvalidCredential()
	}

	user, err := s.userRepo.FindByAccessCodeHash(ctx, util.HashToken(accessCode))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.InvalidCredential()
	}

	sess, token, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Token: token, SessionID: sess.ID}, nil
}

// CreateSession issues a token and a session that expires with it, and marks
// the user online.
func (s *SessionService) CreateSession(ctx context.Context, userID string) (*model.Session, string, error) {
	token, expiresAt, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, "", apperrors.Internal("Failed to issue token").WithCause(err)
	}
	sess := s.openSession(ctx, userID, expiresAt, "")
	return sess, token, nil
}

// SessionForHandshake binds connID to a session and reports whether an
// existing one was reused. The requested session is taken when it is live,
// owned by the token's user and unbound. Otherwise the user's newest unbound
// session is taken over, so a login followed by a connect holds one session.
// Only when neither exists is a new session opened.
func (s *SessionService) SessionForHandshake(ctx context.Context, claims *auth.Claims, requestedID, connID string) (*model.Session, bool) {
	if requestedID != "" {
		if sess, ok := s.ResolveSession(requestedID); ok && sess.UserID == claims.UserID && s.BindConnection(connID, requestedID) {
			return sess, true
		}
		log.Debug().
			Str("userId", claims.UserID).
			Msg("requested session not reusable")
	}
	if sess, ok := s.table.ClaimUnbound(connID, claims.UserID, s.now()); ok {
		return &sess, true
	}
	return s.openSession(ctx, claims.UserID, claims.Expiry(), connID), false
}

// openSession announces the user; with a non-empty connID the session is
// stored already bound.
func (s *SessionService) openSession(ctx context.Context, userID string, expiresAt time.Time, connID string) *model.Session {
	now := s.now()
	sess := model.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	var live int
	if connID != "" {
		live = s.table.PutBound(sess, connID)
	} else {
		live = s.table.Put(sess)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    userID,
		SessionID: sess.ID,
	})

	if err := s.presence.MarkOnline(ctx, userID); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to mark user online")
	}

	log.Info().
		Str("sessionId", sess.ID).
		Str("userId", userID).
		Int("liveSessions", live).
		Time("expiresAt", expiresAt).
		Msg("session created")

	return &sess
}

func (s *SessionService) ValidateToken(token string) (*auth.Claims, error) {
	return s.tokens.Validate(token)
}

// EndSession removes a session. The user goes offline only when this was
// their last live session, so presence is announced once per user however
// many sessions they hold. Unknown ids return false.
func (s *SessionService) EndSession(ctx context.Context, sessionID string) bool {
	sess, remaining, ok := s.table.Remove(sessionID)
	if !ok {
		return false
	}

	if remaining == 0 {
		if err := s.presence.MarkOffline(ctx, sess.UserID); err != nil {
			log.Warn().Err(err).Str("userId", sess.UserID).Msg("failed to mark user offline")
		}
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("userId", sess.UserID).
		Int("liveSessions", remaining).
		Msg("session ended")

	return true
}

// Logout ends a session owned by userID.
func (s *SessionService) Logout(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return apperrors.MissingRequired("session_id")
	}
	sess, ok := s.table.Get(sessionID)
	if !ok || sess.UserID != userID {
		return apperrors.NotFound("Session")
	}
	s.EndSession(ctx, sessionID)
	return nil
}

func (s *SessionService) BindConnection(connID, sessionID string) bool {
	return s.table.Bind(connID, sessionID)
}

func (s *SessionService) UnbindConnection(connID string) (string, bool) {
	return s.table.Unbind(connID)
}

func (s *SessionService) ConnectionForSession(sessionID string) (string, bool) {
	return s.table.ConnectionForSession(sessionID)
}

// UserForConnection resolves connection -> session -> user, treating expired
// sessions as absent.
func (s *SessionService) UserForConnection(connID string) (string, bool) {
	sessionID, ok := s.table.SessionForConnection(connID)
	if !ok {
		return "", false
	}
	sess, ok := s.ResolveSession(sessionID)
	if !ok {
		return "", false
	}
	return sess.UserID, true
}

func (s *SessionService) ResolveSession(sessionID string) (*model.Session, bool) {
	sess, ok := s.table.Get(sessionID)
	if !ok || sess.Expired(s.now()) {
		return nil, false
	}
	return &sess, true
}

// SweepExpired ends every session whose token has expired and returns them.
func (s *SessionService) SweepExpired(ctx context.Context, now time.Time) []model.Session {
	expired := s.table.Expired(now)
	ended := make([]model.Session, 0, len(expired))
	for _, sess := range expired {
		if s.EndSession(ctx, sess.ID) {
			ended = append(ended, sess)
			audit.Log(ctx, audit.Event{
				Type:      audit.EventSessionExpire,
				UserID:    sess.UserID,
				SessionID: sess.ID,
			})
		}
	}
	return ended
}

// ResetPresence marks every user offline. Sessions do not survive a restart,
// so flags left over from a previous process are stale.
func (s *SessionService) ResetPresence(ctx context.Context) (int64, error) {
	n, err := s.userRepo.ResetOnline(ctx)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return n, nil
}

func (s *SessionService) LiveSessions() int {
	return s.table.Len()
}
