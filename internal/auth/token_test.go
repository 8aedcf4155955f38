package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/veilchat/relay-server-go/internal/errors"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func newTestManager(t *testing.T, now time.Time) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, 24*time.Hour)
	require.NoError(t, err)
	m.now = func() time.Time { return now }
	return m
}

func TestNewTokenManager(t *testing.T) {
	_, err := NewTokenManager("", time.Hour)
	assert.Error(t, err)

	_, err = NewTokenManager(testSecret, 0)
	assert.Error(t, err)

	m, err := NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, m.TTL())
}

func TestTokenManager_IssueValidate(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	m := newTestManager(t, now)

	token, expiresAt, err := m.Issue("user-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), expiresAt)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, expiresAt.Unix(), claims.Expiry().Unix())
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
}

func TestTokenManager_ValidateFailures(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, now)
	token, _, err := m.Issue("user-1")
	require.NoError(t, err)

	other, err := NewTokenManager("a-completely-different-secret-value", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.Issue("user-1")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"malformed", "not.a.jwt"},
		{"wrong secret", forged},
		{"tampered payload", tampered},
		{"none algorithm", noneToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Validate(tt.token)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
		})
	}

	t.Run("any changed character", func(t *testing.T) {
		const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_."
		for i := range token {
			for _, c := range []byte(alphabet) {
				if c == token[i] {
					continue
				}
				changed := token[:i] + string(c) + token[i+1:]
				if _, err := m.Validate(changed); err == nil {
					t.Fatalf("accepted token with position %d changed from %q to %q", i, token[i], c)
				}
			}
		}
	})
}

func TestTokenManager_Expired(t *testing.T) {
	issuedAt := time.Now().Add(-48 * time.Hour)
	m := newTestManager(t, issuedAt)
	token, _, err := m.Issue("user-1")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Validate(token)
	require.Error(t, err)

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.InvalidToken().Message, appErr.Message, "expiry must look like any other failure")
}
