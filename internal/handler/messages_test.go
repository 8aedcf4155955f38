package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/model"
)

const validEnvelope = `{
	"recipient_id": "u-2",
	"encrypted_content": {"iv": "aXY=", "ciphertext": "Y3Q="},
	"encrypted_key": "a2V5",
	"signature": "c2ln"
}`

func TestMessagesHandler_Send(t *testing.T) {
	t.Run("stores envelope", func(t *testing.T) {
		store := new(mockMessageStore)
		store.On("Store", mock.Anything, "u-1", "", mock.MatchedBy(func(env *model.Envelope) bool {
			return env.RecipientID == "u-2" && env.EncryptedKey == "a2V5"
		})).Return(&model.Message{ID: "m-1"}, nil)
		h := NewMessagesHandler(store, new(mockUserDirectory))

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(validEnvelope)), "u-1")
		rec := httptest.NewRecorder()
		h.Send(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Message stored successfully","id":"m-1"}`, rec.Body.String())
	})

	t.Run("missing field is 400 without touching storage", func(t *testing.T) {
		store := new(mockMessageStore)
		h := NewMessagesHandler(store, new(mockUserDirectory))

		body := `{"recipient_id":"u-2","encrypted_content":{},"encrypted_key":"k","signature":"s"}`
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body)), "u-1")
		rec := httptest.NewRecorder()
		h.Send(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		store.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("storage failure is generic", func(t *testing.T) {
		store := new(mockMessageStore)
		store.On("Store", mock.Anything, "u-1", "", mock.Anything).Return(nil, apperrors.Database(assert.AnError))
		h := NewMessagesHandler(store, new(mockUserDirectory))

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(validEnvelope)), "u-1")
		rec := httptest.NewRecorder()
		h.Send(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	})
}

func TestMessagesHandler_History(t *testing.T) {
	t.Run("returns conversation", func(t *testing.T) {
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		users := new(mockUserDirectory)
		users.On("Exists", mock.Anything, "u-2").Return(true, nil)
		store := new(mockMessageStore)
		store.On("History", mock.Anything, "u-1", "u-2").Return([]model.Message{
			{ID: "m-1", SenderID: "u-1", RecipientID: "u-2", EncryptedContent: `{"iv":"a"}`, CreatedAt: created},
		}, nil)
		h := NewMessagesHandler(store, users)

		req := withUser(httptest.NewRequest(http.MethodGet, "/api/messages?user_id=u-2", nil), "u-1")
		rec := httptest.NewRecorder()
		h.History(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "m-1", body.Messages[0]["id"])
		assert.Equal(t, "2026-01-02T03:04:05Z", body.Messages[0]["timestamp"])
	})

	t.Run("missing peer is 400", func(t *testing.T) {
		store := new(mockMessageStore)
		store.On("History", mock.Anything, "u-1", "").Return(nil, apperrors.MissingRequired("user_id"))
		h := NewMessagesHandler(store, new(mockUserDirectory))

		req := withUser(httptest.NewRequest(http.MethodGet, "/api/messages", nil), "u-1")
		rec := httptest.NewRecorder()
		h.History(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown peer is 404", func(t *testing.T) {
		users := new(mockUserDirectory)
		users.On("Exists", mock.Anything, "ghost").Return(false, nil)
		store := new(mockMessageStore)
		h := NewMessagesHandler(store, users)

		req := withUser(httptest.NewRequest(http.MethodGet, "/api/messages?user_id=ghost", nil), "u-1")
		rec := httptest.NewRecorder()
		h.History(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		store.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything)
	})
}
