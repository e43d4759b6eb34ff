package manager

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"labmanager/internal/authcache"
	"labmanager/internal/telemetry"
)

type systemStats struct {
	Buffer          telemetry.Stats `json:"buffer"`
	Cache           authcache.Stats `json:"cache"`
	StoredSamples   int             `json:"storedSamples"`
	Machines        int             `json:"machines"`
	Users           int             `json:"users"`
	ServerTime      time.Time       `json:"serverTime"`
	RetentionMaxAge string          `json:"retentionMaxAge"`
}

// SystemStats reports operational counters for the admin dashboard
func (h *Handler) SystemStats(w http.ResponseWriter, r *http.Request) {
	storedSamples, err := h.db.Telemetries.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	machines, err := h.db.Machines.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	users, err := h.db.Users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, systemStats{
		Buffer:          h.buffer.Stats(),
		Cache:           h.cache.Stats(),
		StoredSamples:   storedSamples,
		Machines:        len(machines),
		Users:           len(users),
		ServerTime:      h.clock.Now().UTC(),
		RetentionMaxAge: h.retention.String(),
	})
}

type pruneRequest struct {
	// Override the configured retention, in hours
	MaxAgeHours *int64 `json:"maxAgeHours"`
}

// PruneHistory hard-deletes allocations older than the retention
// window, together with their telemetry and summaries
func (h *Handler) PruneHistory(w http.ResponseWriter, r *http.Request) {
	maxAge := h.retention
	if r.Body != nil {
		var req pruneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.MaxAgeHours != nil {
			if *req.MaxAgeHours < 1 {
				writeError(w, http.StatusBadRequest, "maxAgeHours must be positive")
				return
			}
			maxAge = time.Duration(*req.MaxAgeHours) * time.Hour
		}
	}

	cutoff := h.clock.Now().Add(-maxAge)
	pruned, err := h.db.Allocations.Prune(r.Context(), cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to prune history")
		return
	}

	log.Info().
		Int64("pruned", pruned).
		Time("cutoff", cutoff).
		Msg("Allocation history pruned")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prunedAllocations": pruned,
		"cutoff":            cutoff.UTC(),
	})
}
