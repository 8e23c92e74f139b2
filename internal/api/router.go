package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/api/middleware"
	"github.com/example/eventcore/internal/auth"
	"github.com/example/eventcore/internal/logger"
)

type RouterConfig struct {
	Handlers *Handlers
	// Auth and JWT are nil when no admin credentials are configured; the
	// protected endpoints then answer 503.
	Auth     *AuthHandlers
	JWT      *auth.JWTService
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	protect := func(fn http.HandlerFunc) http.Handler {
		if cfg.JWT == nil {
			return http.HandlerFunc(adminDisabled)
		}
		return middleware.Chain(fn, middleware.AuthMiddleware(cfg.JWT), middleware.RequireRole(RoleAdmin))
	}

	// Auth
	if cfg.Auth != nil {
		mux.HandleFunc("POST /auth/login", cfg.Auth.Login)
		mux.HandleFunc("POST /auth/logout", cfg.Auth.Logout)
	} else {
		mux.HandleFunc("POST /auth/login", adminDisabled)
	}

	// Projections
	mux.Handle("GET /projections", protect(h.ListProjections))
	mux.Handle("GET /projections/{name}", protect(h.GetProjection))
	mux.Handle("POST /projections/{name}/rebuild", protect(h.RebuildProjection))
	mux.Handle("GET /projections/{name}/quarantine", protect(h.GetQuarantine))
	mux.Handle("POST /projections/{name}/resume", protect(h.ResumeProjection))

	// Commands and streams
	mux.Handle("POST /commands", protect(h.DispatchCommand))
	mux.Handle("GET /streams/{id}/state", protect(h.GetStreamState))

	// Read models
	mux.Handle("GET /orders", protect(h.GetOrders))
	mux.Handle("GET /orders/{id}", protect(h.GetOrder))
	mux.Handle("GET /stats", protect(h.GetStats))

	return middleware.Logging(logger.OrNop(cfg.Logger))(mux)
}

func adminDisabled(w http.ResponseWriter, r *http.Request) {
	respondJSONError(w, "admin API is not configured", http.StatusServiceUnavailable)
}
