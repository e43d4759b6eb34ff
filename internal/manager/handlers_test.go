package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labmanager/internal/agent"
	"labmanager/internal/authcache"
	"labmanager/internal/database"
	"labmanager/internal/scheduler"
	"labmanager/internal/summary"
	"labmanager/internal/telemetry"
	"labmanager/pkg/auth"
	"labmanager/pkg/models"
)

const testRetention = 90 * 24 * time.Hour

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type managerFixture struct {
	db         *database.BunDB
	router     *mux.Router
	now        time.Time
	admin      *models.User
	adminToken string
	user       *models.User
	userToken  string
	machine    *models.Machine
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clk := fakeClock{now: now}
	ctx := context.Background()

	jwtManager := auth.NewJWTManager("0123456789abcdef0123456789abcdef")
	sched := scheduler.New(db, clk)
	buffer := telemetry.NewBuffer(db.Telemetries)
	cache := authcache.NewWithTTL(db.Machines, authcache.DefaultTTL, clk)
	summarizer := summary.New(db)

	handler := NewHandler(db, jwtManager, sched, buffer, cache, summarizer, clk, testRetention)
	agentHandler := agent.NewHandler(db, cache, sched, buffer, clk)

	router := mux.NewRouter()
	handler.RegisterRoutes(router, agentHandler)

	hash, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)
	admin := &models.User{
		FullName:     "Lab Admin",
		Email:        "admin@lab.example",
		PasswordHash: hash,
		Role:         models.RoleAdmin,
	}
	require.NoError(t, db.Users.Create(ctx, admin))

	hash, err = auth.HashPassword("user-pass")
	require.NoError(t, err)
	user := &models.User{
		FullName:     "Lab User",
		Email:        "user@lab.example",
		PasswordHash: hash,
		Role:         models.RoleUser,
	}
	require.NoError(t, db.Users.Create(ctx, user))

	adminToken, err := jwtManager.GenerateToken(admin)
	require.NoError(t, err)
	userToken, err := jwtManager.GenerateToken(user)
	require.NoError(t, err)

	machine := &models.Machine{
		Name:       "ws-01",
		Token:      "machine-token-1",
		MACAddress: "aa:bb:cc:dd:ee:01",
		Status:     models.MachineAvailable,
	}
	require.NoError(t, db.Machines.Create(ctx, machine))

	return &managerFixture{
		db:         db,
		router:     router,
		now:        now,
		admin:      admin,
		adminToken: adminToken,
		user:       user,
		userToken:  userToken,
		machine:    machine,
	}
}

func (f *managerFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// TestLogin tests the credential exchange
func TestLogin(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", "/api/v1/auth/login", "", map[string]string{
		"email": "admin@lab.example", "password": "admin-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string       `json:"token"`
		User  *models.User `json:"user"`
	}
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, f.admin.ID, resp.User.ID)

	rec = f.do(t, "POST", "/api/v1/auth/login", "", map[string]string{
		"email": "admin@lab.example", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestMe tests the authenticated identity endpoint
func TestMe(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", "/api/v1/auth/me", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var user models.User
	decode(t, rec, &user)
	assert.Equal(t, f.user.ID, user.ID)
	assert.Equal(t, models.RoleUser, user.Role)
}

// TestAuth_Required tests bearer token enforcement
func TestAuth_Required(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", "/api/v1/machines", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "GET", "/api/v1/machines", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestAdminOnly tests role enforcement on administrative endpoints
func TestAdminOnly(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", "/api/v1/users", f.userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "GET", "/api/v1/users", f.adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestCreateUser tests account creation and the email uniqueness rule
func TestCreateUser(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", "/api/v1/users", f.adminToken, map[string]string{
		"fullName": "New User", "email": "new@lab.example", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var user models.User
	decode(t, rec, &user)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.NotZero(t, user.ID)

	// Duplicate email
	rec = f.do(t, "POST", "/api/v1/users", f.adminToken, map[string]string{
		"fullName": "Dup", "email": "new@lab.example", "password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestDeleteUser_Self tests the self-deletion guard
func TestDeleteUser_Self(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "DELETE", fmt.Sprintf("/api/v1/users/%d", f.admin.ID), f.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "DELETE", fmt.Sprintf("/api/v1/users/%d", f.user.ID), f.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// TestCreateMachine tests registration and the one-time token reveal
func TestCreateMachine(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", "/api/v1/machines", f.adminToken, map[string]string{
		"name": "ws-02", "macAddress": "aa:bb:cc:dd:ee:02",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID         int64                `json:"id"`
		Status     models.MachineStatus `json:"status"`
		AgentToken string               `json:"agentToken"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, models.MachineOffline, resp.Status)
	assert.Len(t, resp.AgentToken, 128)

	// Listing does not leak the token
	rec = f.do(t, "GET", "/api/v1/machines", f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), resp.AgentToken)

	// Duplicate MAC
	rec = f.do(t, "POST", "/api/v1/machines", f.adminToken, map[string]string{
		"name": "ws-03", "macAddress": "aa:bb:cc:dd:ee:02",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestUpdateMachine_MaintenanceCascade tests that entering maintenance
// cancels future reservations
func TestUpdateMachine_MaintenanceCascade(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	current := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(-time.Hour), EndTime: f.now.Add(time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, current))
	future := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(3 * time.Hour), EndTime: f.now.Add(4 * time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, future))

	rec := f.do(t, "PUT", fmt.Sprintf("/api/v1/machines/%d", f.machine.ID), f.adminToken, map[string]string{
		"status": "maintenance",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Machine   *models.Machine `json:"machine"`
		Cancelled int64           `json:"cancelledAllocations"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, models.MachineMaintenance, resp.Machine.Status)
	assert.Equal(t, int64(1), resp.Cancelled)

	// The running session survives, the future one is cancelled
	got, err := f.db.Allocations.Get(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationApproved, got.Status)
	got, err = f.db.Allocations.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationCancelled, got.Status)
}

// TestRotateMachineToken tests credential rotation
func TestRotateMachineToken(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", fmt.Sprintf("/api/v1/machines/%d/rotate-token", f.machine.ID), f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AgentToken     string     `json:"agentToken"`
		TokenRotatedAt *time.Time `json:"tokenRotatedAt"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.AgentToken, 128)
	assert.NotEqual(t, "machine-token-1", resp.AgentToken)
	require.NotNil(t, resp.TokenRotatedAt)

	// The old token no longer authenticates agent requests
	req := httptest.NewRequest("POST", "/api/agent/heartbeat", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer machine-token-1")
	agentRec := httptest.NewRecorder()
	f.router.ServeHTTP(agentRec, req)
	assert.Equal(t, http.StatusUnauthorized, agentRec.Code)
}

// TestCreateAllocation_Statuses tests that user bookings await approval
// while admin bookings are approved at once
func TestCreateAllocation_Statuses(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", "/api/v1/allocations", f.userToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"startTime": f.now.Add(time.Hour),
		"endTime":   f.now.Add(2 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Conflict-free bookings are approved immediately, so the
	// reservation grants machine access without further action
	var allocation models.Allocation
	decode(t, rec, &allocation)
	assert.Equal(t, models.AllocationApproved, allocation.Status)
	assert.Equal(t, f.user.ID, allocation.UserID)

	// Admin booking on behalf of the user, far enough away
	rec = f.do(t, "POST", "/api/v1/allocations", f.adminToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"userId":    f.user.ID,
		"startTime": f.now.Add(5 * time.Hour),
		"endTime":   f.now.Add(6 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &allocation)
	assert.Equal(t, models.AllocationApproved, allocation.Status)
	assert.Equal(t, f.user.ID, allocation.UserID)

	// Admins may override the initial status
	rec = f.do(t, "POST", "/api/v1/allocations", f.adminToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"startTime": f.now.Add(8 * time.Hour),
		"endTime":   f.now.Add(9 * time.Hour),
		"status":    "pending",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &allocation)
	assert.Equal(t, models.AllocationPending, allocation.Status)

	// Regular users cannot
	rec = f.do(t, "POST", "/api/v1/allocations", f.userToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"startTime": f.now.Add(11 * time.Hour),
		"endTime":   f.now.Add(12 * time.Hour),
		"status":    "pending",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &allocation)
	assert.Equal(t, models.AllocationApproved, allocation.Status)
}

// TestCreateAllocation_Conflict tests the double-booking refusal
func TestCreateAllocation_Conflict(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "POST", "/api/v1/allocations", f.userToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"startTime": f.now.Add(time.Hour),
		"endTime":   f.now.Add(2 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, "POST", "/api/v1/allocations", f.userToken, map[string]interface{}{
		"machineId": f.machine.ID,
		"startTime": f.now.Add(90 * time.Minute),
		"endTime":   f.now.Add(150 * time.Minute),
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Code string `json:"code"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, scheduler.CodeAllocationConflict, resp.Code)
}

// TestAllocation_OwnerOrAdmin tests access control on reservations
func TestAllocation_OwnerOrAdmin(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	allocation := &models.Allocation{
		UserID: f.admin.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, allocation))

	path := fmt.Sprintf("/api/v1/allocations/%d", allocation.ID)

	// Not the owner
	rec := f.do(t, "GET", path, f.userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins see everything
	rec = f.do(t, "GET", path, f.adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestUpdateAllocation_Approval tests who may move a reservation
// through its lifecycle
func TestUpdateAllocation_Approval(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	allocation := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
		Status: models.AllocationPending,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, allocation))
	path := fmt.Sprintf("/api/v1/allocations/%d", allocation.ID)

	// Owners cannot approve their own booking
	rec := f.do(t, "PUT", path, f.userToken, map[string]string{"status": "approved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins can
	rec = f.do(t, "PUT", path, f.adminToken, map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Owners may cancel
	rec = f.do(t, "PUT", path, f.userToken, map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.db.Allocations.Get(ctx, allocation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationCancelled, got.Status)
}

// TestUpdateAllocation_Reschedule tests moving a reservation into an
// occupied window
func TestUpdateAllocation_Reschedule(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	blocker := &models.Allocation{
		UserID: f.admin.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(4 * time.Hour), EndTime: f.now.Add(5 * time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, blocker))
	mine := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, mine))

	path := fmt.Sprintf("/api/v1/allocations/%d", mine.ID)

	// Owners cannot move reservation times, not even their own
	rec := f.do(t, "PUT", path, f.userToken, map[string]interface{}{
		"startTime": f.now.Add(90 * time.Minute),
		"endTime":   f.now.Add(150 * time.Minute),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	got, err := f.db.Allocations.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(mine.StartTime))

	// Into the blocker's window
	rec = f.do(t, "PUT", path, f.adminToken, map[string]interface{}{
		"startTime": f.now.Add(4 * time.Hour),
		"endTime":   f.now.Add(5 * time.Hour),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Moving within its own window is fine
	rec = f.do(t, "PUT", path, f.adminToken, map[string]interface{}{
		"startTime": f.now.Add(90 * time.Minute),
		"endTime":   f.now.Add(150 * time.Minute),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestUpdateAllocation_ClosedStatus tests that owners cannot reopen a
// finished or denied reservation by cancelling it
func TestUpdateAllocation_ClosedStatus(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	for _, status := range []models.AllocationStatus{
		models.AllocationFinished,
		models.AllocationDenied,
	} {
		allocation := &models.Allocation{
			UserID: f.user.ID, MachineID: f.machine.ID,
			StartTime: f.now.Add(-3 * time.Hour), EndTime: f.now.Add(-2 * time.Hour),
			Status: status,
		}
		require.NoError(t, f.db.Allocations.Create(ctx, allocation))
		path := fmt.Sprintf("/api/v1/allocations/%d", allocation.ID)

		rec := f.do(t, "PUT", path, f.userToken, map[string]string{"status": "cancelled"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		got, err := f.db.Allocations.Get(ctx, allocation.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

// TestListAllocations_MachineHistory tests the per-machine views: full
// rows for admins, anonymous time slots for everyone else
func TestListAllocations_MachineHistory(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	other := &models.Allocation{
		UserID: f.admin.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
		Status: models.AllocationApproved,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, other))

	path := fmt.Sprintf("/api/v1/allocations?machineId=%d", f.machine.ID)

	rec := f.do(t, "GET", path, f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var slots []*scheduler.ScheduleSlot
	decode(t, rec, &slots)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].StartTime.Equal(other.StartTime))
	assert.False(t, slots[0].IsPast)
	// Someone else's booking carries no identity
	assert.NotContains(t, rec.Body.String(), "userId")

	rec = f.do(t, "GET", path, f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var full []*models.Allocation
	decode(t, rec, &full)
	require.Len(t, full, 1)
	assert.Equal(t, f.admin.ID, full[0].UserID)
}

// TestSummarize tests the telemetry condensation endpoint
func TestSummarize(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	allocation := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(-time.Hour), EndTime: f.now,
		Status: models.AllocationFinished,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, allocation))
	require.NoError(t, f.db.Telemetries.InsertBatch(ctx, []*models.TelemetrySample{
		{AllocationID: allocation.ID, MachineID: f.machine.ID, CPUUsage: 200, CPUTemp: 500, GPUUsage: 100, GPUTemp: 400, RAMUsage: 300},
		{AllocationID: allocation.ID, MachineID: f.machine.ID, CPUUsage: 400, CPUTemp: 600, GPUUsage: 200, GPUTemp: 500, RAMUsage: 500},
	}))

	summaryPath := fmt.Sprintf("/api/v1/allocations/%d/summary", allocation.ID)
	summarizePath := fmt.Sprintf("/api/v1/allocations/%d/summarize", allocation.ID)

	// Nothing stored yet
	rec := f.do(t, "GET", summaryPath, f.userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Summarizing is an admin action
	rec = f.do(t, "POST", summarizePath, f.userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "POST", summarizePath, f.adminToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var metric models.AllocationMetric
	decode(t, rec, &metric)
	assert.Equal(t, 300.0, metric.AvgCPUUsage)
	assert.Equal(t, int64(400), metric.MaxCPUUsage)
	assert.Equal(t, int64(60), metric.SessionDurationMinutes)

	// Second run refuses
	rec = f.do(t, "POST", summarizePath, f.adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The owner can now read the stored summary
	rec = f.do(t, "GET", summaryPath, f.userToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestSummarize_NoTelemetry tests the empty-session refusal
func TestSummarize_NoTelemetry(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	allocation := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(-time.Hour), EndTime: f.now,
		Status: models.AllocationFinished,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, allocation))

	rec := f.do(t, "POST", fmt.Sprintf("/api/v1/allocations/%d/summarize", allocation.ID), f.adminToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// TestMachineTelemetry_LimitValidation tests the query bounds
func TestMachineTelemetry_LimitValidation(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", fmt.Sprintf("/api/v1/machines/%d/telemetry?limit=0", f.machine.ID), f.userToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", fmt.Sprintf("/api/v1/machines/%d/telemetry?limit=5000", f.machine.ID), f.userToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", fmt.Sprintf("/api/v1/machines/%d/telemetry", f.machine.ID), f.userToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestSystemStats tests the operational counters endpoint
func TestSystemStats(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", "/api/v1/system/stats", f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Machines        int    `json:"machines"`
		Users           int    `json:"users"`
		RetentionMaxAge string `json:"retentionMaxAge"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 1, resp.Machines)
	assert.Equal(t, 2, resp.Users)
	assert.Equal(t, testRetention.String(), resp.RetentionMaxAge)
}

// TestPruneHistory tests retention enforcement
func TestPruneHistory(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	old := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(-100 * 24 * time.Hour), EndTime: f.now.Add(-100*24*time.Hour + time.Hour),
		Status: models.AllocationFinished,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, old))
	recent := &models.Allocation{
		UserID: f.user.ID, MachineID: f.machine.ID,
		StartTime: f.now.Add(-24 * time.Hour), EndTime: f.now.Add(-23 * time.Hour),
		Status: models.AllocationFinished,
	}
	require.NoError(t, f.db.Allocations.Create(ctx, recent))

	rec := f.do(t, "POST", "/api/v1/system/prune", f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Pruned int64 `json:"prunedAllocations"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, int64(1), resp.Pruned)

	_, err := f.db.Allocations.Get(ctx, old.ID)
	assert.Error(t, err)
	_, err = f.db.Allocations.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

// TestHealthCheck tests the liveness endpoint
func TestHealthCheck(t *testing.T) {
	f := setupManager(t)

	rec := f.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
