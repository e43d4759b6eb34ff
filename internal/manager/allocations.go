package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"labmanager/internal/metrics"
	"labmanager/internal/scheduler"
	"labmanager/internal/summary"
	"labmanager/pkg/models"
)

func writeRejection(w http.ResponseWriter, rej *scheduler.Rejection) {
	metrics.AllocationRejectionsTotal.WithLabelValues(rej.Code).Inc()
	writeJSON(w, http.StatusConflict, map[string]string{
		"code":    rej.Code,
		"message": rej.Message,
	})
}

// redactAllocations strips reservations down to their time slots for
// non-admin readers
func redactAllocations(allocations []*models.Allocation, now time.Time) []*scheduler.ScheduleSlot {
	slots := make([]*scheduler.ScheduleSlot, len(allocations))
	for i, a := range allocations {
		slots[i] = &scheduler.ScheduleSlot{
			ID:        a.ID,
			StartTime: a.StartTime,
			EndTime:   a.EndTime,
			Status:    a.Status,
			IsCurrent: !a.StartTime.After(now) && !a.EndTime.Before(now),
			IsPast:    a.EndTime.Before(now),
		}
	}
	return slots
}

// ListAllocations returns reservations. Admins see everything and can
// filter by user or machine; regular users see their own, plus a
// times-only view of any machine's history for planning around it.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	if v := r.URL.Query().Get("machineId"); v != "" {
		machineID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid machineId")
			return
		}
		allocations, err := h.db.Allocations.ListByMachine(r.Context(), machineID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if claims.Role != models.RoleAdmin {
			writeJSON(w, http.StatusOK, redactAllocations(allocations, h.clock.Now()))
			return
		}
		writeJSON(w, http.StatusOK, allocations)
		return
	}

	if claims.Role != models.RoleAdmin {
		allocations, err := h.db.Allocations.ListByUser(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, allocations)
		return
	}

	if v := r.URL.Query().Get("userId"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid userId")
			return
		}
		allocations, err := h.db.Allocations.ListByUser(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, allocations)
		return
	}

	allocations, err := h.db.Allocations.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

type createAllocationRequest struct {
	MachineID int64     `json:"machineId"`
	UserID    int64     `json:"userId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Reason    *string   `json:"reason"`
	Status    *string   `json:"status"`
}

// CreateAllocation books a reservation. Conflict-free reservations are
// approved on creation; admins may book on behalf of another user or
// override the initial status.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req createAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MachineID == 0 || req.StartTime.IsZero() || req.EndTime.IsZero() {
		writeError(w, http.StatusBadRequest, "machineId, startTime and endTime are required")
		return
	}

	userID := claims.UserID
	status := models.AllocationApproved
	if claims.Role == models.RoleAdmin {
		if req.UserID != 0 {
			userID = req.UserID
			if _, err := h.db.Users.Get(r.Context(), userID); err != nil {
				writeError(w, http.StatusNotFound, "User not found")
				return
			}
		}
		if req.Status != nil {
			switch s := models.AllocationStatus(*req.Status); s {
			case models.AllocationApproved, models.AllocationPending, models.AllocationDenied:
				status = s
			default:
				writeError(w, http.StatusBadRequest, "Invalid status")
				return
			}
		}
	}

	allocation := &models.Allocation{
		UserID:    userID,
		MachineID: req.MachineID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Reason:    req.Reason,
		Status:    status,
	}

	if err := h.sched.Create(r.Context(), allocation); err != nil {
		var rej *scheduler.Rejection
		if errors.As(err, &rej) {
			writeRejection(w, rej)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create allocation")
		return
	}

	metrics.AllocationsCreatedTotal.WithLabelValues("scheduled", string(status)).Inc()
	writeJSON(w, http.StatusCreated, allocation)
}

// loadOwnedAllocation fetches an allocation and enforces the
// owner-or-admin rule
func (h *Handler) loadOwnedAllocation(w http.ResponseWriter, r *http.Request) *models.Allocation {
	allocationID, err := pathID(r, "allocationId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid allocation ID")
		return nil
	}

	allocation, err := h.db.Allocations.Get(r.Context(), allocationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Allocation not found")
		return nil
	}

	claims := ClaimsFromContext(r.Context())
	if claims.Role != models.RoleAdmin && allocation.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil
	}
	return allocation
}

// GetAllocation returns one reservation
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	allocation := h.loadOwnedAllocation(w, r)
	if allocation == nil {
		return
	}
	writeJSON(w, http.StatusOK, allocation)
}

type updateAllocationRequest struct {
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Reason    *string    `json:"reason"`
	Status    *string    `json:"status"`
}

// UpdateAllocation modifies a reservation. Owners may cancel their own
// while it is still approved; status overrides and time changes are
// for admins.
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	allocation := h.loadOwnedAllocation(w, r)
	if allocation == nil {
		return
	}
	claims := ClaimsFromContext(r.Context())

	var req updateAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Status != nil {
		status := models.AllocationStatus(*req.Status)
		switch status {
		case models.AllocationCancelled:
			// Owners may cancel an approved reservation. Closed
			// statuses never reopen into cancelled.
			if claims.Role != models.RoleAdmin && allocation.Status != models.AllocationApproved {
				writeError(w, http.StatusForbidden, "Only approved reservations can be cancelled")
				return
			}
		case models.AllocationApproved, models.AllocationDenied, models.AllocationFinished, models.AllocationPending:
			if claims.Role != models.RoleAdmin {
				writeError(w, http.StatusForbidden, "Only admins can change approval status")
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		allocation.Status = status
	}

	if req.Reason != nil {
		allocation.Reason = req.Reason
	}

	if req.StartTime != nil || req.EndTime != nil {
		if claims.Role != models.RoleAdmin {
			writeError(w, http.StatusForbidden, "Only admins can change reservation times")
			return
		}
		start := allocation.StartTime
		end := allocation.EndTime
		if req.StartTime != nil {
			start = *req.StartTime
		}
		if req.EndTime != nil {
			end = *req.EndTime
		}
		if err := h.sched.Reschedule(r.Context(), allocation, start, end); err != nil {
			var rej *scheduler.Rejection
			if errors.As(err, &rej) {
				writeRejection(w, rej)
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to update allocation")
			return
		}
		writeJSON(w, http.StatusOK, allocation)
		return
	}

	if err := h.db.Allocations.Update(r.Context(), allocation); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update allocation")
		return
	}
	writeJSON(w, http.StatusOK, allocation)
}

// DeleteAllocation removes a reservation and its recorded telemetry
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	allocation := h.loadOwnedAllocation(w, r)
	if allocation == nil {
		return
	}

	if err := h.db.Allocations.Delete(r.Context(), allocation.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete allocation")
		return
	}

	log.Info().Int64("allocation_id", allocation.ID).Msg("Allocation deleted")
	w.WriteHeader(http.StatusNoContent)
}

// AllocationTelemetry returns the session's samples in recording order
func (h *Handler) AllocationTelemetry(w http.ResponseWriter, r *http.Request) {
	allocation := h.loadOwnedAllocation(w, r)
	if allocation == nil {
		return
	}

	samples, err := h.db.Telemetries.ListByAllocation(r.Context(), allocation.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// GetAllocationSummary returns the stored session summary
func (h *Handler) GetAllocationSummary(w http.ResponseWriter, r *http.Request) {
	allocation := h.loadOwnedAllocation(w, r)
	if allocation == nil {
		return
	}

	metric, err := h.db.Metrics.GetByAllocation(r.Context(), allocation.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "No summary for allocation")
		return
	}
	writeJSON(w, http.StatusOK, metric)
}

// SummarizeAllocation condenses a finished session's telemetry into
// its summary. Flushes the buffer first so late samples are counted.
func (h *Handler) SummarizeAllocation(w http.ResponseWriter, r *http.Request) {
	allocationID, err := pathID(r, "allocationId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid allocation ID")
		return
	}

	allocation, err := h.db.Allocations.Get(r.Context(), allocationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Allocation not found")
		return
	}

	if _, err := h.buffer.Flush(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Pre-summary flush failed, proceeding with stored samples")
	}

	metric, err := h.summarizer.Summarize(r.Context(), allocation)
	if err != nil {
		switch {
		case errors.Is(err, summary.ErrSummaryExists):
			writeError(w, http.StatusConflict, "Summary already exists")
		case errors.Is(err, summary.ErrNoTelemetry):
			writeError(w, http.StatusUnprocessableEntity, "No telemetry recorded for allocation")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to summarize allocation")
		}
		return
	}
	writeJSON(w, http.StatusCreated, metric)
}
