package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"labmanager/internal/authcache"
	"labmanager/internal/clock"
	"labmanager/internal/database"
	"labmanager/internal/metrics"
	"labmanager/internal/scheduler"
	"labmanager/internal/telemetry"
	"labmanager/pkg/auth"
	"labmanager/pkg/models"
)

// Stable reason codes for the agent's login screen. Agents match on
// these, never on the message text.
const (
	// CodeNoValidAllocation is reported in heartbeats when a user is
	// logged in at the machine without a covering reservation.
	CodeNoValidAllocation = "NO_VALID_ALLOCATION"

	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNoActiveAllocation = "NO_ACTIVE_ALLOCATION"
	CodeAuthorized         = "AUTHORIZED"
)

// Handler serves the agent-facing API: heartbeats, telemetry ingest,
// and walk-up session management.
type Handler struct {
	db     *database.BunDB
	cache  *authcache.Cache
	sched  *scheduler.Scheduler
	buffer *telemetry.Buffer
	clock  clock.Clock
}

// NewHandler creates an agent API handler
func NewHandler(db *database.BunDB, cache *authcache.Cache, sched *scheduler.Scheduler, buffer *telemetry.Buffer, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{
		db:     db,
		cache:  cache,
		sched:  sched,
		buffer: buffer,
		clock:  clk,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// touchLiveness refreshes the machine's last-seen timestamp and brings
// an offline machine back to available. Returns the updated machine.
func (h *Handler) touchLiveness(r *http.Request, machine *models.Machine) (*models.Machine, error) {
	now := h.clock.Now()
	updated := *machine
	updated.LastSeenAt = &now
	if updated.Status == models.MachineOffline {
		updated.Status = models.MachineAvailable
		log.Info().Int64("machine_id", machine.ID).Msg("Machine back online")
	}

	// Column-scoped write: the snapshot may come from the auth cache
	// and must not clobber concurrent edits to other fields
	if err := h.db.Machines.UpdateLiveness(r.Context(), machine.ID, now, updated.Status); err != nil {
		return nil, err
	}
	return &updated, nil
}

type heartbeatRequest struct {
	LoggedUserID *int64 `json:"loggedUserId"`
}

type heartbeatResponse struct {
	ServerTime    time.Time            `json:"serverTime"`
	Machine       *models.Machine      `json:"machine"`
	MachineStatus models.MachineStatus `json:"machineStatus"`
	Blocked       bool                 `json:"blocked"`
	BlockCode     string               `json:"blockCode,omitempty"`
	// The current allocation carries its user so the agent can match
	// the local session; the next one is an anonymous slot.
	Current       *models.Allocation            `json:"currentAllocation,omitempty"`
	Next          *scheduler.ScheduleSlot       `json:"nextAllocation,omitempty"`
	QuickAllocate *scheduler.QuickAllocateOffer `json:"quickAllocate,omitempty"`
}

// Heartbeat refreshes liveness and tells the agent whether the machine
// should be usable right now. Agents send this every few seconds and
// enforce the block decision locally.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req heartbeatRequest
	if r.Body != nil {
		// An empty body means no session information, which is fine
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	machine, err := h.touchLiveness(r, machine)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	current, err := h.sched.CurrentFor(r.Context(), machine.ID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	next, err := h.sched.NextFor(r.Context(), machine.ID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := heartbeatResponse{
		ServerTime:    h.clock.Now().UTC(),
		Machine:       machine,
		MachineStatus: machine.Status,
		Current:       current,
	}
	if next != nil {
		resp.Next = &scheduler.ScheduleSlot{
			ID:        next.ID,
			StartTime: next.StartTime,
			EndTime:   next.EndTime,
			Status:    next.Status,
		}
	}

	switch {
	case machine.Status == models.MachineMaintenance:
		resp.Blocked = true
		resp.BlockCode = scheduler.CodeMachineMaintenance
	case req.LoggedUserID != nil && (current == nil || current.UserID != *req.LoggedUserID):
		// Someone is at the keyboard without a covering reservation
		resp.Blocked = true
		resp.BlockCode = CodeNoValidAllocation
	}

	if current == nil && machine.Status != models.MachineMaintenance {
		offer, err := h.sched.QuickAllocateInfo(r.Context(), machine)
		if err != nil {
			metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		resp.QuickAllocate = offer
	}

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}

type validateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type validateUserResponse struct {
	Valid     bool               `json:"valid"`
	Allowed   bool               `json:"allowed"`
	Reason    string             `json:"reason,omitempty"`
	User      *models.User       `json:"user,omitempty"`
	Current   *models.Allocation `json:"currentAllocation,omitempty"`
	Next      *models.Allocation `json:"nextAllocation,omitempty"`
	ClampedTo *int64             `json:"quickAllocateMaxMinutes,omitempty"`
}

// ValidateUser checks lab credentials on behalf of the agent's login
// screen and reports whether the user may start a session right now.
// Only a reservation covering the present moment authorizes; walk-up
// eligibility is reported as information and never flips allowed.
func (h *Handler) ValidateUser(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req validateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.db.Users.GetByEmail(r.Context(), req.Email)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.AuthRequestsTotal.WithLabelValues("invalid", "user").Inc()
		writeJSON(w, http.StatusUnauthorized, validateUserResponse{Valid: false, Reason: CodeInvalidCredentials})
		return
	}
	metrics.AuthRequestsTotal.WithLabelValues("ok", "user").Inc()

	resp := validateUserResponse{Valid: true, User: user}

	// A refused user still gets told when their own next slot starts
	if next, err := h.sched.NextForUser(r.Context(), machine.ID, user.ID); err == nil {
		resp.Next = next
	}

	if machine.Status == models.MachineMaintenance {
		resp.Reason = scheduler.CodeMachineMaintenance
		writeJSON(w, http.StatusOK, resp)
		return
	}

	current, err := h.sched.CurrentFor(r.Context(), machine.ID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if current != nil {
		if current.UserID == user.ID {
			resp.Allowed = true
			resp.Reason = CodeAuthorized
			resp.Current = current
		} else {
			resp.Reason = scheduler.CodeMachineOccupied
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// No covering reservation. The login stays locked until the user
	// claims a walk-up session, so the agent learns the ceiling here.
	resp.Reason = CodeNoActiveAllocation
	offer, err := h.sched.QuickAllocateInfo(r.Context(), machine)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if offer.Available {
		resp.ClampedTo = &offer.MaxDuration
	}
	writeJSON(w, http.StatusOK, resp)
}

type quickAllocateRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	DurationMinutes int64  `json:"durationMinutes"`
}

// QuickAllocate creates an immediate session for a user standing at
// the machine. The machine token authenticates the agent, not the
// user, so the walk-up user proves their own credentials here.
func (h *Handler) QuickAllocate(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req quickAllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.db.Users.GetByEmail(r.Context(), req.Email)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.AuthRequestsTotal.WithLabelValues("invalid", "user").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"code":    CodeInvalidCredentials,
			"message": "invalid credentials",
		})
		return
	}
	metrics.AuthRequestsTotal.WithLabelValues("ok", "user").Inc()

	allocation, err := h.sched.QuickAllocate(r.Context(), machine, user.ID, req.DurationMinutes)
	if err != nil {
		var rej *scheduler.Rejection
		if errors.As(err, &rej) {
			metrics.AllocationRejectionsTotal.WithLabelValues(rej.Code).Inc()
			writeJSON(w, http.StatusConflict, map[string]string{
				"code":    rej.Code,
				"message": rej.Message,
			})
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	metrics.AllocationsCreatedTotal.WithLabelValues("quick", string(allocation.Status)).Inc()
	writeJSON(w, http.StatusCreated, allocation)
}

// DaySchedule returns today's reservations for the machine so the
// agent can render them on the login screen.
func (h *Handler) DaySchedule(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	day := h.clock.Now()
	if v := r.URL.Query().Get("date"); v != "" {
		// Interpret the date in the server's zone so explicit dates
		// bucket the same way as the default "today"
		parsed, err := time.ParseInLocation("2006-01-02", v, day.Location())
		if err != nil {
			http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	schedule, err := h.sched.DaySchedule(r.Context(), machine.ID, day)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machineId":   machine.ID,
		"date":        day.Format("2006-01-02"),
		"allocations": schedule,
	})
}

type reportLoginRequest struct {
	Username string `json:"username"`
}

// ReportLogin records that a user logged in at the machine
func (h *Handler) ReportLogin(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req reportLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	updated := *machine
	updated.LoggedUser = &req.Username
	if updated.Status == models.MachineAvailable {
		updated.Status = models.MachineOccupied
	}

	if err := h.db.Machines.Update(r.Context(), &updated); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.cache.InvalidateByID(machine.ID)

	log.Info().
		Int64("machine_id", machine.ID).
		Str("username", req.Username).
		Msg("User logged in at machine")
	w.WriteHeader(http.StatusNoContent)
}

// ReportLogout records that the machine's session ended
func (h *Handler) ReportLogout(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	updated := *machine
	updated.LoggedUser = nil
	if updated.Status == models.MachineOccupied {
		updated.Status = models.MachineAvailable
	}

	if err := h.db.Machines.Update(r.Context(), &updated); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.cache.InvalidateByID(machine.ID)

	log.Info().Int64("machine_id", machine.ID).Msg("User logged out at machine")
	w.WriteHeader(http.StatusNoContent)
}

type syncSpecsRequest struct {
	CPUModel    *string `json:"cpuModel"`
	GPUModel    *string `json:"gpuModel"`
	TotalRAMGB  *int64  `json:"totalRamGb"`
	TotalDiskGB *int64  `json:"totalDiskGb"`
	IPAddress   *string `json:"ipAddress"`
}

// SyncSpecs lets the agent publish the machine's hardware inventory.
// Only the fields the agent sends are overwritten.
func (h *Handler) SyncSpecs(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req syncSpecsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated := *machine
	if req.CPUModel != nil {
		updated.CPUModel = req.CPUModel
	}
	if req.GPUModel != nil {
		updated.GPUModel = req.GPUModel
	}
	if req.TotalRAMGB != nil {
		updated.TotalRAMGB = req.TotalRAMGB
	}
	if req.TotalDiskGB != nil {
		updated.TotalDiskGB = req.TotalDiskGB
	}
	if req.IPAddress != nil {
		updated.IPAddress = req.IPAddress
	}

	if err := h.db.Machines.Update(r.Context(), &updated); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.cache.InvalidateByID(machine.ID)

	log.Debug().Int64("machine_id", machine.ID).Msg("Machine specs synced")
	writeJSON(w, http.StatusOK, &updated)
}

type telemetryRequest struct {
	CPUUsage        int64   `json:"cpuUsage"`
	CPUTemp         int64   `json:"cpuTemp"`
	GPUUsage        int64   `json:"gpuUsage"`
	GPUTemp         int64   `json:"gpuTemp"`
	RAMUsage        int64   `json:"ramUsage"`
	DiskUsage       *int64  `json:"diskUsage"`
	DownloadUsage   *int64  `json:"downloadUsage"`
	UploadUsage     *int64  `json:"uploadUsage"`
	MoboTemperature *int64  `json:"moboTemperature"`
	LoggedUserName  *string `json:"loggedUserName"`
}

// Telemetry ingests one sample. Samples arriving while no reservation
// is active only refresh liveness and are discarded; telemetry is
// session data, not machine monitoring.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	machine := MachineFromContext(r.Context())

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.touchLiveness(r, machine); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	current, err := h.sched.CurrentFor(r.Context(), machine.ID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if current == nil {
		metrics.TelemetryDiscardedTotal.Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.buffer.Add(r.Context(), &models.TelemetrySample{
		AllocationID:    current.ID,
		MachineID:       machine.ID,
		CPUUsage:        req.CPUUsage,
		CPUTemp:         req.CPUTemp,
		GPUUsage:        req.GPUUsage,
		GPUTemp:         req.GPUTemp,
		RAMUsage:        req.RAMUsage,
		DiskUsage:       req.DiskUsage,
		DownloadUsage:   req.DownloadUsage,
		UploadUsage:     req.UploadUsage,
		MoboTemperature: req.MoboTemperature,
		LoggedUserName:  req.LoggedUserName,
	})
	metrics.TelemetrySamplesTotal.Inc()
	metrics.TelemetryBufferDepth.Set(float64(h.buffer.Stats().QueuedSamples))

	w.WriteHeader(http.StatusAccepted)
}
