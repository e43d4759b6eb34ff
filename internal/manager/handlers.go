package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labmanager/internal/authcache"
	"labmanager/internal/clock"
	"labmanager/internal/database"
	"labmanager/internal/metrics"
	"labmanager/internal/scheduler"
	"labmanager/internal/summary"
	"labmanager/internal/telemetry"
	"labmanager/pkg/auth"
	"labmanager/pkg/models"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// ClaimsFromContext returns the authenticated user's claims, or nil
func ClaimsFromContext(ctx context.Context) *models.AuthClaims {
	c, _ := ctx.Value(claimsContextKey).(*models.AuthClaims)
	return c
}

// Handler serves the administrative API used by the web frontend
type Handler struct {
	db         *database.BunDB
	jwtManager *auth.JWTManager
	sched      *scheduler.Scheduler
	buffer     *telemetry.Buffer
	cache      *authcache.Cache
	summarizer *summary.Summarizer
	clock      clock.Clock
	retention  time.Duration
}

// NewHandler creates an administrative API handler
func NewHandler(db *database.BunDB, jwtManager *auth.JWTManager, sched *scheduler.Scheduler, buffer *telemetry.Buffer, cache *authcache.Cache, summarizer *summary.Summarizer, clk clock.Clock, retention time.Duration) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{
		db:         db,
		jwtManager: jwtManager,
		sched:      sched,
		buffer:     buffer,
		cache:      cache,
		summarizer: summarizer,
		clock:      clk,
		retention:  retention,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// AuthMiddleware authenticates admin API requests by JWT bearer token
func (h *Handler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := h.jwtManager.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// AdminOnly restricts an endpoint to administrators. Must run inside
// AuthMiddleware.
func (h *Handler) AdminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || claims.Role != models.RoleAdmin {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// CORSMiddleware sets permissive CORS headers for the web frontend
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-MAC-Address")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthCheck reports service liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// AgentRoutes is the subset of the agent handler the router needs
type AgentRoutes interface {
	AuthMiddleware(next http.HandlerFunc) http.HandlerFunc
	Heartbeat(w http.ResponseWriter, r *http.Request)
	ValidateUser(w http.ResponseWriter, r *http.Request)
	QuickAllocate(w http.ResponseWriter, r *http.Request)
	DaySchedule(w http.ResponseWriter, r *http.Request)
	ReportLogin(w http.ResponseWriter, r *http.Request)
	ReportLogout(w http.ResponseWriter, r *http.Request)
	SyncSpecs(w http.ResponseWriter, r *http.Request)
	Telemetry(w http.ResponseWriter, r *http.Request)
}

// RegisterRoutes wires the full HTTP surface onto the router
func (h *Handler) RegisterRoutes(router *mux.Router, agent AgentRoutes) {
	router.Use(metricsMiddleware)

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Agent API, authenticated by machine token
	ag := router.PathPrefix("/api/agent").Subrouter()
	ag.HandleFunc("/heartbeat", agent.AuthMiddleware(agent.Heartbeat)).Methods("POST")
	ag.HandleFunc("/validate-user", agent.AuthMiddleware(agent.ValidateUser)).Methods("POST")
	ag.HandleFunc("/quick-allocate", agent.AuthMiddleware(agent.QuickAllocate)).Methods("POST")
	ag.HandleFunc("/day-schedule", agent.AuthMiddleware(agent.DaySchedule)).Methods("GET")
	ag.HandleFunc("/report-login", agent.AuthMiddleware(agent.ReportLogin)).Methods("POST")
	ag.HandleFunc("/report-logout", agent.AuthMiddleware(agent.ReportLogout)).Methods("POST")
	ag.HandleFunc("/sync-specs", agent.AuthMiddleware(agent.SyncSpecs)).Methods("PUT")
	ag.HandleFunc("/telemetry", agent.AuthMiddleware(agent.Telemetry)).Methods("POST")

	// Admin API, authenticated by user JWT
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/login", h.Login).Methods("POST")
	api.HandleFunc("/auth/me", h.AuthMiddleware(h.Me)).Methods("GET")

	api.HandleFunc("/users", h.AuthMiddleware(h.AdminOnly(h.ListUsers))).Methods("GET")
	api.HandleFunc("/users", h.AuthMiddleware(h.AdminOnly(h.CreateUser))).Methods("POST")
	api.HandleFunc("/users/{userId}", h.AuthMiddleware(h.AdminOnly(h.UpdateUser))).Methods("PUT")
	api.HandleFunc("/users/{userId}", h.AuthMiddleware(h.AdminOnly(h.DeleteUser))).Methods("DELETE")

	api.HandleFunc("/machines", h.AuthMiddleware(h.ListMachines)).Methods("GET")
	api.HandleFunc("/machines", h.AuthMiddleware(h.AdminOnly(h.CreateMachine))).Methods("POST")
	api.HandleFunc("/machines/{machineId}", h.AuthMiddleware(h.GetMachine)).Methods("GET")
	api.HandleFunc("/machines/{machineId}", h.AuthMiddleware(h.AdminOnly(h.UpdateMachine))).Methods("PUT")
	api.HandleFunc("/machines/{machineId}", h.AuthMiddleware(h.AdminOnly(h.DeleteMachine))).Methods("DELETE")
	api.HandleFunc("/machines/{machineId}/rotate-token", h.AuthMiddleware(h.AdminOnly(h.RotateMachineToken))).Methods("POST")
	api.HandleFunc("/machines/{machineId}/telemetry", h.AuthMiddleware(h.MachineTelemetry)).Methods("GET")

	api.HandleFunc("/allocations", h.AuthMiddleware(h.ListAllocations)).Methods("GET")
	api.HandleFunc("/allocations", h.AuthMiddleware(h.CreateAllocation)).Methods("POST")
	api.HandleFunc("/allocations/{allocationId}", h.AuthMiddleware(h.GetAllocation)).Methods("GET")
	api.HandleFunc("/allocations/{allocationId}", h.AuthMiddleware(h.UpdateAllocation)).Methods("PUT")
	api.HandleFunc("/allocations/{allocationId}", h.AuthMiddleware(h.DeleteAllocation)).Methods("DELETE")
	api.HandleFunc("/allocations/{allocationId}/telemetry", h.AuthMiddleware(h.AllocationTelemetry)).Methods("GET")
	api.HandleFunc("/allocations/{allocationId}/summary", h.AuthMiddleware(h.GetAllocationSummary)).Methods("GET")
	api.HandleFunc("/allocations/{allocationId}/summarize", h.AuthMiddleware(h.AdminOnly(h.SummarizeAllocation))).Methods("POST")

	api.HandleFunc("/system/stats", h.AuthMiddleware(h.AdminOnly(h.SystemStats))).Methods("GET")
	api.HandleFunc("/system/prune", h.AuthMiddleware(h.AdminOnly(h.PruneHistory))).Methods("POST")
}

// metricsMiddleware records request counts and latency per route
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
