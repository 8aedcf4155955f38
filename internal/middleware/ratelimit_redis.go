package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/audit"
	"github.com/veilchat/relay-server-go/internal/config"
	apperrors "github.com/veilchat/relay-server-go/internal/errors"
	"github.com/veilchat/relay-server-go/internal/httputil"
	redisclient "github.com/veilchat/relay-server-go/internal/redis"
	"github.com/veilchat/relay-server-go/internal/service"
)

const (
	ScopeUser = "user"
	ScopeIP   = "ip"
)

// KeyFunc returns the subject to limit, or "" to skip limiting.
type KeyFunc func(r *http.Request) string

func UserKey(r *http.Request) string {
	return GetUserID(r.Context())
}

// IPKey uses RemoteAddr, which chi's RealIP middleware has already resolved.
func IPKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware enforces a Redis sliding window per subject and falls
// back to an in-process window when Redis errors.
type RateLimitMiddleware struct {
	limiter  *service.RateLimiter
	fallback *LocalRateLimiter
	scope    string
	key      KeyFunc
	limit    int
	window   time.Duration
}

func NewRateLimitMiddleware(limiter *service.RateLimiter, scope string, key KeyFunc, limit int, window time.Duration) *RateLimitMiddleware {
	if limit <= 0 {
		limit = config.DefaultRateLimitPerMin
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimitMiddleware{
		limiter:  limiter,
		fallback: NewLocalRateLimiter(),
		scope:    scope,
		key:      key,
		limit:    limit,
		window:   window,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := m.key(r)
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := redisclient.RateLimitKey(m.scope, subject)

		var (
			allowed   bool
			remaining int
			resetAt   time.Time
		)
		result, err := m.limiter.CheckLimit(r.Context(), key, m.limit, m.window)
		if err != nil {
			log.Warn().
				Err(err).
				Str("scope", m.scope).
				Msg("redis rate limit check failed, using local limiter")
			allowed, remaining, resetAt = m.fallback.Check(key, m.limit, m.window)
		} else {
			allowed, remaining, resetAt = result.Allowed, result.Remaining, result.ResetAt
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secondsLeft))

			audit.LogFromRequest(r, audit.Event{
				Type:   audit.EventRateLimitExceed,
				UserID: GetUserID(r.Context()),
				Details: map[string]interface{}{
					"scope": m.scope,
					"path":  r.URL.Path,
				},
			})
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
