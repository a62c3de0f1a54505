// Package app wires the Parley server runtime: config, logging, storage, delivery,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"parley/cmd/internal/api"
	"parley/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// ShutdownReason is the close reason sent to connected clients on shutdown.
const ShutdownReason = "server shutdown"

// App is the Parley server runtime. It owns the storage handles, the Redis client
// and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	registry *realtime.Registry
	store    realtime.MessageStore
	db       *sql.DB

	rdb   redis.UniversalClient
	redis *realtime.RedisDeliverer

	handler http.Handler
}

// New constructs a fully wired App from cfg.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	a := &App{cfg: cfg, log: log}

	store, db, err := newMessageStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store, a.db = store, db

	a.registry = realtime.NewRegistry(log, metrics)
	local := realtime.NewLocalDeliverer(a.registry, metrics)

	var deliver realtime.Deliverer = local
	if cfg.RedisURL != "" {
		rdb, rd, err := newRedisDeliverer(ctx, cfg, log, local)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.rdb, a.redis = rdb, rd
		deliver = rd
	}

	relay, err := realtime.NewMessageRelay(log, store, deliver, metrics, realtime.WithUndoWindow(cfg.UndoWindow))
	if err != nil {
		a.closeResources()
		return nil, err
	}
	signaling := realtime.NewSignalingRelay(log, deliver, metrics)

	verifier, err := newVerifier(cfg)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	deps := realtime.SessionDeps{
		Registry:  a.registry,
		Relay:     relay,
		Signaling: signaling,
	}
	apiOpts := []api.HandlerOption{api.WithDevHeaderAuth(cfg.DevHeaderAuth)}
	if verifier != nil {
		deps.Verifier = verifier
		apiOpts = append(apiOpts, api.WithVerifier(verifier))
	}

	ws, err := realtime.NewWSGateway(log, cfg.Gateway(), deps, metrics)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	apiHandler, err := api.NewHandler(log, relay, a.registry, apiOpts...)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.handler = newRouter(routes{
		log:      log,
		cfg:      cfg,
		metrics:  metrics,
		gatherer: promReg,
		db:       db,
		ws:       ws,
		api:      apiHandler,
	})
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx is done or the server fails, then shuts down:
// stop accepting, close live sessions, release storage and Redis.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", fmt.Sprintf("%T", a.store),
		"redis", a.redis != nil,
		"auth_required", a.cfg.RequireAuth,
	)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if a.redis != nil {
		go func() {
			if err := a.redis.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("redis delivery: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.registry.Close(ShutdownReason)
	stopBackground()
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

// Close releases storage and Redis without serving. Used when Run is never called.
func (a *App) Close() {
	a.registry.Close(ShutdownReason)
	a.closeResources()
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("db.close.fail", "err", err)
		}
		a.db = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.rdb = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// newMessageStore picks the backend: Postgres when a database URL is set, Badger
// when a data directory is set, memory otherwise. The returned *sql.DB is owned
// by the caller; PostgresStore.Close does not close it.
func newMessageStore(ctx context.Context, cfg Config, log Logger) (realtime.MessageStore, *sql.DB, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := realtime.NewPostgresStore(db, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if cfg.DBEnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return st, db, nil

	case cfg.BadgerPath != "":
		st, err := realtime.OpenBadgerStore(cfg.BadgerPath, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.badger", "path", cfg.BadgerPath)
		return st, nil, nil

	default:
		log.Info("store.memory")
		return realtime.NewInMemoryStore(), nil, nil
	}
}

func newRedisDeliverer(ctx context.Context, cfg Config, log Logger, local *realtime.LocalDeliverer) (redis.UniversalClient, *realtime.RedisDeliverer, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	rd, err := realtime.NewRedisDeliverer(log, local, rdb,
		realtime.WithRedisChannel(cfg.RedisChannel),
		realtime.WithNodeID(cfg.NodeID),
	)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	log.Info("delivery.redis", "channel", cfg.RedisChannel, "node", rd.Node())
	return rdb, rd, nil
}
