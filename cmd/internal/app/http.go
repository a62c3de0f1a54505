package app

import (
	"database/sql"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/api"
	"parley/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log      Logger
	cfg      Config
	metrics  *realtime.Metrics
	gatherer prometheus.Gatherer
	db       *sql.DB
	ws       http.Handler
	api      *api.Handler
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(WithRequestLogging(rt.log, rt.metrics))
	r.Use(WithSecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", api.HeaderUserID},
		AllowCredentials: false,
		MaxAge:           600,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.db == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if rt.db != nil {
			if err := PingDB(r.Context(), rt.db, 2*time.Second); err != nil {
				rt.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	r.Method(http.MethodGet, "/ws", rt.ws)

	if rt.api != nil {
		rt.api.Register(r)
	}
	return r
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
