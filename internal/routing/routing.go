// Package routing assembles the control API router.
package routing

import (
	"net/http"

	"ergoblock/internal/handlers"
	"ergoblock/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the configuration needed for setting up routes.
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and
// middleware.
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", h.HandleLogin)
	mux.HandleFunc("POST /api/logout", h.HandleLogout)

	mux.HandleFunc("POST /api/block", h.HandleBlock)
	mux.HandleFunc("POST /api/mute", h.HandleMute)
	mux.HandleFunc("POST /api/unblock", h.HandleUnblock)
	mux.HandleFunc("POST /api/unmute", h.HandleUnmute)
	mux.HandleFunc("POST /api/peek", h.HandlePeek)

	mux.HandleFunc("POST /api/sync", h.HandleSync)
	mux.HandleFunc("POST /api/audit", h.HandleAudit)
	mux.HandleFunc("POST /api/expire", h.HandleExpire)

	mux.HandleFunc("POST /api/context", h.HandleResolveContext)
	mux.HandleFunc("GET /api/context/{did}", h.HandleGetContext)

	mux.HandleFunc("POST /api/lists/unsubscribe", h.HandleUnsubscribeList)
	mux.HandleFunc("POST /api/lists/dismiss", h.HandleDismissList)

	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("POST /api/options", h.HandleSetOptions)

	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.LoggingMiddleware(cfg.Logger)(mux)
}
