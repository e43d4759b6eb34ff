package manager

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"labmanager/internal/metrics"
	"labmanager/pkg/auth"
	"labmanager/pkg/models"
)

// machineView decorates a machine with live scheduling state for the
// frontend
type machineView struct {
	*models.Machine
	CurrentAllocation *models.Allocation      `json:"currentAllocation,omitempty"`
	NextAllocation    *models.Allocation      `json:"nextAllocation,omitempty"`
	LatestTelemetry   *models.TelemetrySample `json:"latestTelemetry,omitempty"`
}

func (h *Handler) machineView(r *http.Request, machine *models.Machine, latest *models.TelemetrySample) (*machineView, error) {
	current, err := h.sched.CurrentFor(r.Context(), machine.ID)
	if err != nil {
		return nil, err
	}
	next, err := h.sched.NextFor(r.Context(), machine.ID)
	if err != nil {
		return nil, err
	}
	return &machineView{
		Machine:           machine,
		CurrentAllocation: current,
		NextAllocation:    next,
		LatestTelemetry:   latest,
	}, nil
}

// ListMachines returns all machines with their scheduling state
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.db.Machines.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	latest := h.buffer.AllLatest()
	views := make([]*machineView, 0, len(machines))
	for _, m := range machines {
		v, err := h.machineView(r, m, latest[m.ID])
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMachine returns one machine with its scheduling state
func (h *Handler) GetMachine(w http.ResponseWriter, r *http.Request) {
	machineID, err := pathID(r, "machineId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	machine, err := h.db.Machines.Get(r.Context(), machineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Machine not found")
		return
	}

	view, err := h.machineView(r, machine, h.buffer.Latest(machine.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createMachineRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MACAddress  string `json:"macAddress"`
}

type machineWithToken struct {
	*models.Machine
	// The agent token is returned exactly once, on creation and on
	// rotation
	AgentToken string `json:"agentToken"`
}

// CreateMachine registers a machine and mints its agent token
func (h *Handler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.MACAddress == "" {
		writeError(w, http.StatusBadRequest, "name and macAddress are required")
		return
	}

	if _, err := h.db.Machines.GetByMAC(r.Context(), req.MACAddress); err == nil {
		writeError(w, http.StatusConflict, "MAC address already registered")
		return
	}

	token, err := auth.GenerateMachineToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := h.clock.Now()
	machine := &models.Machine{
		Name:        req.Name,
		Description: req.Description,
		Token:       token,
		MACAddress:  req.MACAddress,
		Status:      models.MachineOffline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.db.Machines.Create(r.Context(), machine); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create machine")
		return
	}

	log.Info().Int64("machine_id", machine.ID).Str("name", machine.Name).Msg("Machine registered")
	writeJSON(w, http.StatusCreated, machineWithToken{Machine: machine, AgentToken: token})
}

type updateMachineRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// UpdateMachine modifies a machine. Putting a machine into maintenance
// cancels its future reservations; the response reports how many.
func (h *Handler) UpdateMachine(w http.ResponseWriter, r *http.Request) {
	machineID, err := pathID(r, "machineId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	machine, err := h.db.Machines.Get(r.Context(), machineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Machine not found")
		return
	}

	var req updateMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != nil {
		machine.Name = *req.Name
	}
	if req.Description != nil {
		machine.Description = *req.Description
	}

	var cancelled int64
	if req.Status != nil {
		status := models.MachineStatus(*req.Status)
		switch status {
		case models.MachineAvailable, models.MachineOccupied, models.MachineMaintenance, models.MachineOffline:
		default:
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}

		if status == models.MachineMaintenance && machine.Status != models.MachineMaintenance {
			cancelled, err = h.sched.CascadeCancel(r.Context(), machine.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
		}
		machine.Status = status
	}

	if err := h.db.Machines.Update(r.Context(), machine); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update machine")
		return
	}
	h.cache.InvalidateByID(machine.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine":              machine,
		"cancelledAllocations": cancelled,
	})
}

// DeleteMachine removes a machine, its history, and any buffered
// telemetry
func (h *Handler) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	machineID, err := pathID(r, "machineId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	if _, err := h.db.Machines.Get(r.Context(), machineID); err != nil {
		writeError(w, http.StatusNotFound, "Machine not found")
		return
	}

	if err := h.db.Machines.Delete(r.Context(), machineID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete machine")
		return
	}

	// Drop anything still in flight so it cannot be written for a
	// machine that no longer exists
	h.buffer.ClearMachine(machineID)
	h.cache.InvalidateByID(machineID)

	log.Info().Int64("machine_id", machineID).Msg("Machine deleted")
	w.WriteHeader(http.StatusNoContent)
}

// RotateMachineToken mints a fresh agent token, invalidating the old
// one immediately
func (h *Handler) RotateMachineToken(w http.ResponseWriter, r *http.Request) {
	machineID, err := pathID(r, "machineId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	machine, err := h.db.Machines.Get(r.Context(), machineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Machine not found")
		return
	}

	oldToken := machine.Token
	token, err := auth.GenerateMachineToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := h.clock.Now()
	machine.Token = token
	machine.TokenRotatedAt = &now
	if err := h.db.Machines.Update(r.Context(), machine); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rotate token")
		return
	}

	h.cache.Invalidate(oldToken)
	h.cache.InvalidateByID(machine.ID)

	log.Info().Int64("machine_id", machine.ID).Msg("Machine token rotated")
	writeJSON(w, http.StatusOK, machineWithToken{Machine: machine, AgentToken: token})
}

// MachineTelemetry returns recent stored samples for a machine,
// newest first
func (h *Handler) MachineTelemetry(w http.ResponseWriter, r *http.Request) {
	machineID, err := pathID(r, "machineId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	if _, err := h.db.Machines.Get(r.Context(), machineID); err != nil {
		writeError(w, http.StatusNotFound, "Machine not found")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	samples, err := h.db.Telemetries.RecentByMachine(r.Context(), machineID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// UpdateMachineGauges refreshes the per-status machine gauge.
// Called from the offline sweep.
func UpdateMachineGauges(machines []*models.Machine) {
	counts := map[models.MachineStatus]int{}
	for _, m := range machines {
		counts[m.Status]++
	}
	for _, status := range []models.MachineStatus{
		models.MachineAvailable,
		models.MachineOccupied,
		models.MachineMaintenance,
		models.MachineOffline,
	} {
		metrics.MachinesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
