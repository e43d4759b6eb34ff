package manager

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"labmanager/internal/metrics"
	"labmanager/pkg/auth"
	"labmanager/pkg/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Login exchanges credentials for a JWT
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.db.Users.GetByEmail(r.Context(), req.Email)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.AuthRequestsTotal.WithLabelValues("invalid", "login").Inc()
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtManager.GenerateToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	metrics.AuthRequestsTotal.WithLabelValues("ok", "login").Inc()
	log.Info().Int64("user_id", user.ID).Str("email", user.Email).Msg("User logged in")
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// Me returns the authenticated user's account
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	user, err := h.db.Users.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUsers returns all accounts
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.Users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// CreateUser registers a new account
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FullName == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "fullName, email and password are required")
		return
	}

	role := models.Role(req.Role)
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		writeError(w, http.StatusBadRequest, "Invalid role")
		return
	}

	if _, err := h.db.Users.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := h.clock.Now()
	user := &models.User{
		FullName:     req.FullName,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.db.Users.Create(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	log.Info().Int64("user_id", user.ID).Str("email", user.Email).Str("role", string(role)).Msg("User created")
	writeJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	FullName *string `json:"fullName"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
}

// UpdateUser modifies an account
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	user, err := h.db.Users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		user.PasswordHash = hash
	}
	if req.Role != nil {
		role := models.Role(*req.Role)
		if role != models.RoleUser && role != models.RoleAdmin {
			writeError(w, http.StatusBadRequest, "Invalid role")
			return
		}
		user.Role = role
	}

	if err := h.db.Users.Update(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser removes an account and everything it owns
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims.UserID == userID {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if _, err := h.db.Users.Get(r.Context(), userID); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	if err := h.db.Users.Delete(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	log.Info().Int64("user_id", userID).Msg("User deleted")
	w.WriteHeader(http.StatusNoContent)
}
