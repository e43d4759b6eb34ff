package agent

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"labmanager/internal/metrics"
	"labmanager/pkg/models"
)

type contextKey string

const machineContextKey contextKey = "machine"

// MachineFromContext returns the authenticated machine stored by the
// auth middleware, or nil.
func MachineFromContext(ctx context.Context) *models.Machine {
	m, _ := ctx.Value(machineContextKey).(*models.Machine)
	return m
}

// AuthMiddleware authenticates agent requests by bearer token through
// the machine cache. When the agent also sends its MAC address, it
// must match the registered one; a token copied to different hardware
// is rejected.
func (h *Handler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			metrics.AuthRequestsTotal.WithLabelValues("missing", "machine").Inc()
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			metrics.AuthRequestsTotal.WithLabelValues("malformed", "machine").Inc()
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		machine, err := h.cache.Get(r.Context(), parts[1])
		if err != nil {
			metrics.AuthRequestsTotal.WithLabelValues("invalid", "machine").Inc()
			http.Error(w, "Invalid machine token", http.StatusUnauthorized)
			return
		}

		if mac := r.Header.Get("X-MAC-Address"); mac != "" && !strings.EqualFold(mac, machine.MACAddress) {
			metrics.AuthRequestsTotal.WithLabelValues("mac_mismatch", "machine").Inc()
			log.Warn().
				Int64("machine_id", machine.ID).
				Str("reported_mac", mac).
				Msg("Agent MAC address does not match registration")
			http.Error(w, "MAC address mismatch", http.StatusUnauthorized)
			return
		}

		metrics.AuthRequestsTotal.WithLabelValues("ok", "machine").Inc()
		ctx := context.WithValue(r.Context(), machineContextKey, machine)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
