package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"sockbridge/internal/config"
	"sockbridge/internal/middleware"
	"sockbridge/pkg/logger"
)

// NewRouter assembles the HTTP surface: admin endpoints, the static file
// short-circuit, and the proxy catch-all, wrapped in the middleware chain.
func NewRouter(cfg *config.Config, proxy *ProxyHandler, static *StaticHandler, admin *AdminHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.RecoveryMiddleware(log))
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(middleware.SecurityHeadersMiddleware())

	if cfg.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(cfg.RateLimit, log)
		r.Use(rl.RateLimitMiddleware())
	}

	if cfg.Admin.Enabled {
		auth := middleware.NewAdminAuth(cfg.Admin.AuthSecret, log).Middleware()
		r.HandleFunc("/healthz", admin.Healthz).Methods(http.MethodGet)
		r.Handle("/status", auth(http.HandlerFunc(admin.Status))).Methods(http.MethodGet)
		r.Handle("/metrics", auth(http.HandlerFunc(admin.Metrics))).Methods(http.MethodGet)
		r.Handle("/workers/restart", auth(http.HandlerFunc(admin.Restart))).Methods(http.MethodPost)
	}

	front := http.Handler(proxy)
	if cfg.Static.Enabled && static != nil {
		front = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if static.CanServe(req) {
				static.ServeHTTP(w, req)
				return
			}
			proxy.ServeHTTP(w, req)
		})
	}
	r.PathPrefix("/").Handler(front)

	return r
}
