package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/relay-server-go/internal/auth"
	"github.com/veilchat/relay-server-go/internal/database"
	"github.com/veilchat/relay-server-go/internal/e2ecrypto"
	"github.com/veilchat/relay-server-go/internal/model"
	"github.com/veilchat/relay-server-go/internal/repository"
	"github.com/veilchat/relay-server-go/internal/service"
	"github.com/veilchat/relay-server-go/internal/session"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (r *memUserRepo) add(id, name, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = &model.User{ID: id, DisplayName: name, PublicKey: publicKey, CreatedAt: time.Now()}
}

func (r *memUserRepo) online(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return ok && u.IsOnline
}

func (r *memUserRepo) Create(ctx context.Context, p model.CreateUserParams) (*model.User, error) {
	r.add(p.ID, p.DisplayName, p.PublicKey)
	return r.FindByID(ctx, p.ID)
}

func (r *memUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindByAccessCodeHash(ctx context.Context, hash string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.AccessCodeHash == hash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) FindOnline(ctx context.Context) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.User
	for _, u := range r.users {
		if u.IsOnline {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUserRepo) Update(ctx context.Context, id string, p model.UpdateUserParams) (*model.User, error) {
	r.mu.Lock()
	u, ok := r.users[id]
	if ok && p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.FindByID(ctx, id)
}

func (r *memUserRepo) SetOnline(ctx context.Context, id string, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsOnline = online
	u.LastActive = time.Now()
	return nil
}

func (r *memUserRepo) ResetOnline(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, u := range r.users {
		if u.IsOnline {
			u.IsOnline = false
			n++
		}
	}
	return n, nil
}

func (r *memUserRepo) WithTx(tx *sqlx.Tx) repository.UserRepository { return r }

type memMessageRepo struct {
	mu   sync.Mutex
	msgs []model.Message
	fail error
}

func (r *memMessageRepo) Create(ctx context.Context, p model.CreateMessageParams) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	msg := model.Message{
		ID:               p.ID,
		SenderID:         p.SenderID,
		RecipientID:      p.RecipientID,
		EncryptedContent: p.EncryptedContent,
		EncryptedKey:     p.EncryptedKey,
		Signature:        p.Signature,
		CreatedAt:        time.Now(),
	}
	r.msgs = append(r.msgs, msg)
	return &msg, nil
}

func (r *memMessageRepo) FindBetween(ctx context.Context, a, b string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Message{}
	for _, m := range r.msgs {
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMessageRepo) all() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.msgs...)
}

func (r *memMessageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *memMessageRepo) WithTx(tx *sqlx.Tx) repository.MessageRepository { return r }

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn database.TxFunc) error { return fn(nil) }

type staticKeys struct{}

func (staticKeys) GenerateKeyPair() (*e2ecrypto.KeyPair, error) {
	return &e2ecrypto.KeyPair{PublicKeyPEM: "pub", PrivateKeyPEM: "priv"}, nil
}

var errStorageDown = errors.New("storage down")

const (
	aliceID = "00000000-0000-4000-8000-00000000000a"
	bobID   = "00000000-0000-4000-8000-00000000000b"
	carolID = "00000000-0000-4000-8000-00000000000c"

	roomAB = aliceID + "_" + bobID
	roomAC = aliceID + "_" + carolID
	roomBC = bobID + "_" + carolID
)

type harness struct {
	relay    *Relay
	hub      *Hub
	sessions *service.SessionService
	users    *memUserRepo
	messages *memMessageRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := auth.NewTokenManager("relay-test-secret-with-enough-length", time.Hour)
	require.NoError(t, err)

	users := newMemUserRepo()
	messages := &memMessageRepo{}
	hub := NewHub()
	presence := service.NewPresenceService(users, hub)
	sessions := service.NewSessionService(passthroughTx{}, users, staticKeys{}, tokens, session.NewTable(), presence)

	r := New(hub, sessions, service.NewMessageService(messages), service.NewUserService(users))
	t.Cleanup(hub.Close)

	return &harness{relay: r, hub: hub, sessions: sessions, users: users, messages: messages}
}

// connect logs userID in and opens a relay connection reusing the login session.
func (h *harness) connect(t *testing.T, userID string) *Client {
	t.Helper()
	ctx := context.Background()
	sess, token, err := h.sessions.CreateSession(ctx, userID)
	require.NoError(t, err)

	claims, err := h.relay.Authenticate(token)
	require.NoError(t, err)

	client := h.relay.Connect(ctx, claims, sess.ID)
	waitFor(t, client, EventConnected)
	return client
}

func (h *harness) send(t *testing.T, c *Client, eventType string, data any) {
	t.Helper()
	event, err := NewEvent(eventType, data)
	require.NoError(t, err)
	require.NoError(t, h.relay.Dispatch(context.Background(), c, event))
}

// waitFor returns the next queued event of eventType, skipping others.
func waitFor(t *testing.T, c *Client, eventType string) Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-c.Events:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q on %s", eventType, c.ID)
			return Event{}
		}
	}
}

// drain returns every queued event without blocking.
func drain(c *Client) []Event {
	var out []Event
	for {
		select {
		case e := <-c.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func typesOf(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
