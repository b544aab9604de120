package routing

import (
	"net/http"

	"lumachat/internal/handlers"
	"lumachat/internal/middleware"
	"lumachat/internal/notify"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Hub      *notify.Hub
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Create CrossOriginProtection for CSRF protection on mutating routes
	cop := http.NewCrossOriginProtection()

	// Scoring endpoints, called by the chat and friends services
	mux.Handle("POST /api/risk/text", cop.Handler(http.HandlerFunc(h.HandleScoreText)))
	mux.Handle("POST /api/risk/friend-add", cop.Handler(http.HandlerFunc(h.HandleScoreFriendAdd)))

	// Conversation profile surface
	mux.HandleFunc("GET /api/risk/profile", h.HandleProfile)
	mux.Handle("POST /api/risk/ignore", cop.Handler(http.HandlerFunc(h.HandleIgnore)))
	mux.Handle("POST /api/risk/appeal", cop.Handler(http.HandlerFunc(h.HandleAppeal)))

	// Message indexing, called by the chat transport on delivery
	mux.Handle("POST /api/messages", cop.Handler(http.HandlerFunc(h.HandleAppendMessage)))

	// Admin reporting surface
	mux.HandleFunc("GET /api/admin/risk/decisions", h.HandleAdminDecisions)
	mux.HandleFunc("GET /api/admin/risk/appeals", h.HandleAdminAppeals)
	mux.HandleFunc("GET /api/admin/risk/stats", h.HandleAdminStats)

	// Level-change push stream
	mux.HandleFunc("GET /ws", cfg.Hub.HandleWS)

	// Operational endpoints
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Apply rate limiting
	rateLimitConfig := middleware.NewDefaultRateLimitConfig()
	handler = middleware.RateLimitMiddleware(rateLimitConfig)(handler)

	// 3. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 4. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
