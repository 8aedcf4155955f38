package handler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/relay-server-go/internal/auth"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/relay"
	"github.com/veilchat/relay-server-go/internal/service"
	"github.com/veilchat/relay-server-go/internal/session"
)

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithClaims(r.Context(), &auth.Claims{UserID: userID}))
}

// newStrictDB returns a database with no expected queries; anything that
// reaches it fails.
func newStrictDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, sm, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), sm
}

type mockSessionManager struct {
	mock.Mock
}

func (m *mockSessionManager) Register(ctx context.Context, displayName string) (*service.RegisterResult, error) {
	args := m.Called(ctx, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.RegisterResult), args.Error(1)
}

func (m *mockSessionManager) Login(ctx context.Context, accessCode string) (*service.LoginResult, error) {
	args := m.Called(ctx, accessCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.LoginResult), args.Error(1)
}

func (m *mockSessionManager) Logout(ctx context.Context, userID, sessionID string) error {
	args := m.Called(ctx, userID, sessionID)
	return args.Error(0)
}

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) Profile(ctx context.Context, userID string) (*model.UserSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserSummary), args.Error(1)
}

func (m *mockUserDirectory) UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.UserSummary, error) {
	args := m.Called(ctx, userID, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserSummary), args.Error(1)
}

func (m *mockUserDirectory) PublicKey(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *mockUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type mockOnlineLister struct {
	mock.Mock
}

func (m *mockOnlineLister) ListOnline(ctx context.Context, excluding string) ([]model.PublicUser, error) {
	args := m.Called(ctx, excluding)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PublicUser), args.Error(1)
}

type mockMessageStore struct {
	mock.Mock
}

func (m *mockMessageStore) Store(ctx context.Context, senderID, id string, env *model.Envelope) (*model.Message, error) {
	args := m.Called(ctx, senderID, id, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *mockMessageStore) History(ctx context.Context, userID, peerID string) ([]model.Message, error) {
	args := m.Called(ctx, userID, peerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

// tableSessions backs the relay with a real token manager and session table.
type tableSessions struct {
	tokens *auth.TokenManager
	table  *session.Table
}

func (s *tableSessions) ValidateToken(token string) (*auth.Claims, error) {
	return s.tokens.Validate(token)
}

func (s *tableSessions) SessionForHandshake(ctx context.Context, claims *auth.Claims, requestedID, connID string) (*model.Session, bool) {
	if sess, ok := s.table.Get(requestedID); ok && sess.UserID == claims.UserID && s.table.Bind(connID, requestedID) {
		return &sess, true
	}
	if sess, ok := s.table.ClaimUnbound(connID, claims.UserID, time.Now()); ok {
		return &sess, true
	}
	sess := model.Session{ID: uuid.NewString(), UserID: claims.UserID, CreatedAt: time.Now(), ExpiresAt: claims.Expiry()}
	s.table.PutBound(sess, connID)
	return &sess, false
}

func (s *tableSessions) UnbindConnection(connID string) (string, bool) {
	return s.table.Unbind(connID)
}

func (s *tableSessions) UserForConnection(connID string) (string, bool) {
	sessionID, ok := s.table.SessionForConnection(connID)
	if !ok {
		return "", false
	}
	sess, ok := s.table.Get(sessionID)
	return sess.UserID, ok
}

func (s *tableSessions) EndSession(ctx context.Context, sessionID string) bool {
	_, _, ok := s.table.Remove(sessionID)
	return ok
}

type stubProfiles struct{}

func (stubProfiles) Profile(ctx context.Context, userID string) (*model.UserSummary, error) {
	return &model.UserSummary{ID: userID, DisplayName: "name-" + userID}, nil
}

type memMessages struct {
	mu    sync.Mutex
	items []model.Message
}

func (m *memMessages) Store(ctx context.Context, senderID, id string, env *model.Envelope) (*model.Message, error) {
	if err := service.ValidateEnvelope(env); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	msg := model.Message{ID: id, SenderID: senderID, RecipientID: env.RecipientID, CreatedAt: time.Now()}
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	return &msg, nil
}

func (m *memMessages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type relayFixture struct {
	relay    *relay.Relay
	tokens   *auth.TokenManager
	table    *session.Table
	messages *memMessages
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	tokens, err := auth.NewTokenManager("handler-test-secret-long-enough", time.Hour)
	require.NoError(t, err)

	table := session.NewTable()
	messages := &memMessages{}
	hub := relay.NewHub()
	t.Cleanup(hub.Close)

	return &relayFixture{
		relay:    relay.New(hub, &tableSessions{tokens: tokens, table: table}, messages, stubProfiles{}),
		tokens:   tokens,
		table:    table,
		messages: messages,
	}
}

func (f *relayFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.tokens.Issue(userID)
	require.NoError(t, err)
	return token
}
