package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/auth"
	"github.com/example/eventcore/internal/logger"
)

// RoleAdmin is the only role allowed on the operational endpoints.
const RoleAdmin = "admin"

// AuthHandlers handles operator login
type AuthHandlers struct {
	jwtService    *auth.JWTService
	adminPassword string // bcrypt hash
	log           *zap.Logger
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(jwtService *auth.JWTService, adminPasswordHash string, log *zap.Logger) *AuthHandlers {
	return &AuthHandlers{
		jwtService:    jwtService,
		adminPassword: adminPasswordHash,
		log:           logger.OrNop(log).With(zap.String("component", "auth")),
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Operator    string    `json:"operator"`
}

// Login exchanges the admin password for a bearer token. The operator name
// only labels the actor recorded on commands.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Operator == "" {
		req.Operator = RoleAdmin
	}

	if !auth.CheckPassword(req.Password, h.adminPassword) {
		h.log.Warn("login failed", zap.String("operator", req.Operator), zap.String("remote_addr", r.RemoteAddr))
		respondJSONError(w, "Invalid operator or password", http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := h.jwtService.GenerateAccessToken(req.Operator, RoleAdmin)
	if err != nil {
		h.log.Error("failed to issue token", zap.Error(err))
		respondJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})

	h.log.Info("operator logged in", zap.String("operator", req.Operator))
	respondJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Operator:    req.Operator,
	})
}

// Logout clears the token cookie. Bearer tokens stay valid until expiry.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}
