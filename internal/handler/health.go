package handler

import (
	"context"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/config"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// GET /
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Secure Anonymous Chat API"})
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	status, state := http.StatusOK, "ok"
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			log.Error().Err(err).Str("dependency", name).Msg("health check failed")
			results[name] = "unavailable"
			status, state = http.StatusServiceUnavailable, "degraded"
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}
