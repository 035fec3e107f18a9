package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/middleware"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/httputil"
)

// RouterConfig carries the handlers and cross-cutting dependencies for the
// HTTP surface.
type RouterConfig struct {
	Ledger    *LedgerHandler
	System    *SystemHandler
	Validator middleware.TokenValidator
	Logger    *slog.Logger
	Timeout   time.Duration
}

// NewRouter assembles the full HTTP surface: open read endpoints, JWT-gated
// mutating endpoints, health and metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		cfg.Ledger.Register(r)
		cfg.System.Register(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(cfg.Validator, cfg.Logger))
			cfg.Ledger.RegisterProtected(r)
		})
	})

	return r
}
