// Package app wires the shuttlechat server runtime: config, logging, metrics,
// HTTP routes, presence and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"shuttlechat/cmd/internal/chat"
	"shuttlechat/cmd/internal/chatapi"
	"shuttlechat/cmd/internal/presence"
	"shuttlechat/cmd/internal/realtime"
	"shuttlechat/cmd/security/token"
)

// App is the server runtime: it owns the store, presence registry, chat
// service and HTTP wiring.
type App struct {
	cfg     Config
	log     Logger
	metrics *Metrics

	store     chat.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	redisClient *redis.Client
	registry    presence.Registry

	svc *chat.Service
	ws  *realtime.WSGateway
	api *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	// Fail-fast: a realtime server that silently accepts unauthenticated
	// sessions is worse than one that refuses to boot.
	verifier, err := token.NewVerifierFromEnv()
	if err != nil {
		return nil, err
	}

	store, dbPool, dbEnabled, err := newChatStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	registry, redisClient, err := newPresenceRegistry(context.Background(), cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	metrics := NewMetrics()

	svc := chat.NewService(log, store, registry, metrics.ChatMetrics())

	ws := realtime.NewWSGateway(log, realtime.NewHub(log), svc, registry, verifier)
	ws.SetConnectionsGauge(metrics.WSConnections)

	registry.OnChange(func(ev presence.Event) {
		if ev.Online {
			metrics.OnlineUsers.Inc()
		} else {
			metrics.OnlineUsers.Dec()
		}
		ws.OnPresenceChange(ev)
	})

	api, err := chatapi.NewHandler(log, chatapi.ConfigFromEnv(), svc, registry, verifier)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	return &App{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		store:       store,
		dbPool:      dbPool,
		dbEnabled:   dbEnabled,
		redisClient: redisClient,
		registry:    registry,
		svc:         svc,
		ws:          ws,
		api:         api,
	}, nil
}

// Run starts the HTTP server and the presence reaper, and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.metrics, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis_enabled", a.redisClient != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		t := time.NewTicker(a.cfg.PresenceReapInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				reaped, err := a.registry.ReapStale(gctx, a.cfg.PresenceWindow)
				if err != nil {
					a.log.Error("presence.reap.fail", "err", err)
					continue
				}
				if len(reaped) > 0 {
					a.log.Info("presence.reap", "users", len(reaped))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.closeResources()

	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if err := a.registry.Close(); err != nil {
		a.log.Error("presence.close.fail", "err", err)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newChatStore decides between Postgres-backed persistence and the in-memory
// dev store.
//
// Ownership model:
// - app owns the pool lifecycle
// - PostgresStore.Close() is a no-op
func newChatStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// newPresenceRegistry decides between the in-process registry and Redis.
func newPresenceRegistry(ctx context.Context, cfg Config, log Logger) (presence.Registry, *redis.Client, error) {
	if cfg.RedisURL == "" {
		log.Info("presence.registry.memory")
		return presence.NewMemoryRegistry(), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	reg, err := presence.NewRedisRegistry(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	log.Info("presence.registry.redis")
	return reg, client, nil
}
