// Package app wires the sbstate runtime: config, logging, storage and bus
// backends, the user store with its watchdog, the relay, and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sbstate/cmd/identity"
	"sbstate/cmd/internal/changebus"
	"sbstate/cmd/internal/invite"
	"sbstate/cmd/internal/persist"
	"sbstate/cmd/internal/relay"
	"sbstate/cmd/internal/userstore"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the sbstate runtime: it owns backend clients, the store and the
// HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *redis.Client
	mqtt      mqtt.Client

	bus      changebus.Bus
	store    *userstore.Store
	watchdog *userstore.Watchdog
	invites  *invite.Service
	session  *identity.Session
	relay    *relay.Gateway
}

// New constructs a fully wired App. On error every resource opened so far
// is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, session: &identity.Session{}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.DatabaseURL != "" {
		a.dbPool, err = openDB(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		a.dbEnabled = true
		log.Info("db.enabled", "schema", cfg.DBSchema)
	} else {
		log.Info("db.disabled")
	}

	storage, err := a.newStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Storage, err)
	}

	a.bus, err = a.newBus(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", cfg.Bus, err)
	}

	adapter, err := userstore.NewAdapter(storage, a.bus,
		userstore.WithKey(cfg.StorageKey),
		userstore.WithPersistTimeout(cfg.PersistTimeout),
		userstore.WithAdapterLogger(log),
	)
	if err != nil {
		return nil, err
	}

	if cfg.UserID != "" {
		a.session.SignIn(cfg.UserID)
	}
	notifier := userstore.LogNotifier{Log: log}

	opts := []userstore.Option{
		userstore.WithLogger(log),
		userstore.WithNotifier(notifier),
		userstore.WithIdentity(a.session),
		userstore.WithRedeemHold(cfg.RedeemHold),
	}
	if cfg.LegacyMigration {
		opts = append(opts, userstore.WithLegacyMigration())
	}
	a.store, err = userstore.New(ctx, adapter, opts...)
	if err != nil {
		return nil, err
	}

	a.watchdog, err = userstore.NewWatchdog(a.store,
		userstore.WithInterval(cfg.WatchdogInterval),
		userstore.WithWatchdogNotifier(notifier),
		userstore.WithWatchdogLogger(log),
	)
	if err != nil {
		return nil, err
	}

	shareLog, err := a.newShareLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("invite log: %w", err)
	}
	a.invites, err = invite.NewService(a.store,
		invite.WithBaseURL(cfg.InviteBaseURL),
		invite.WithTitle(cfg.InviteTitle),
		invite.WithStore(shareLog),
		invite.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("invite: %w", err)
	}

	if cfg.RelayEnabled {
		a.relay = relay.NewGateway(log, relay.NewHub(log), relay.GatewayConfig{
			DevInsecure:      cfg.WSDevInsecure,
			OriginRequired:   cfg.WSOriginRequired,
			AllowedOrigins:   cfg.WSAllowedOrigins,
			SendQueueSize:    cfg.WSSendQueueSize,
			HeartbeatEvery:   cfg.WSHeartbeatEvery,
			HeartbeatTimeout: cfg.WSHeartbeatTimeout,
			RateEvents:       cfg.WSRateEvents,
			RateWindow:       cfg.WSRateWindow,
		})
	}

	return a, nil
}

// Store exposes the user store.
func (a *App) Store() *userstore.Store { return a.store }

func (a *App) newStorage(ctx context.Context) (persist.Storage, error) {
	switch a.cfg.Storage {
	case StorageMemory:
		return persist.NewMemoryStorage(), nil
	case StorageFile:
		return persist.NewFileStorage(a.cfg.FileDir)
	case StorageRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return persist.NewRedisStorage(client, persist.WithNamespace(a.cfg.RedisNamespace))
	case StoragePostgres:
		st, err := persist.NewPostgresStorage(a.dbPool, persist.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, configError("unknown storage " + a.cfg.Storage)
	}
}

func (a *App) newBus(ctx context.Context) (changebus.Bus, error) {
	switch a.cfg.Bus {
	case BusNone:
		return changebus.NewNop(), nil
	case BusMemory:
		return changebus.NewNetwork().Endpoint(), nil
	case BusRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return changebus.NewRedisBus(client, changebus.WithRedisLogger(a.log))
	case BusWS:
		return changebus.DialWS(ctx, a.cfg.RelayURL,
			changebus.WithOrigin(a.cfg.RelayOrigin),
			changebus.WithTimeout(a.cfg.PersistTimeout),
			changebus.WithWSLogger(a.log),
		)
	case BusMQTT:
		clientID := a.cfg.MQTTClientID
		if clientID == "" {
			clientID = "sbstate-" + changebus.NewOriginID()
		}
		client, err := changebus.DialMQTT(a.cfg.MQTTBroker, clientID, a.cfg.MQTTUsername, a.cfg.MQTTPassword)
		if err != nil {
			return nil, err
		}
		a.mqtt = client
		return changebus.NewMQTTBus(client,
			changebus.WithTopicPrefix(a.cfg.MQTTTopicPrefix),
			changebus.WithMQTTLogger(a.log),
		)
	default:
		return nil, configError("unknown bus " + a.cfg.Bus)
	}
}

// openDB connects the pool shared by the Postgres storage and the invite
// log. Each of them creates its own tables.
func openDB(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pcfg.ConnConfig.RuntimeParams["application_name"] = "sbstate"
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func pingDB(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// redisClient lazily opens the one client shared by storage and bus.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	a.redis = client
	return client, nil
}

func (a *App) newShareLog(ctx context.Context) (invite.Store, error) {
	if !a.dbEnabled {
		return invite.NewMemoryStore(), nil
	}
	st, err := invite.NewPostgresStore(a.dbPool, invite.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run serves HTTP and runs the watchdog until ctx is canceled or the
// server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", localURL("http", a.cfg.HTTPAddr, "/v1/state"),
		"storage", a.cfg.Storage,
		"bus", a.cfg.Bus,
		"origin", a.bus.ID(),
		"relay", a.relay != nil,
		"db_enabled", a.dbEnabled,
	)
	if a.relay != nil {
		a.log.Info("relay.listen", "url", localURL("ws", a.cfg.HTTPAddr, "/ws"))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.watchdog.Run(gctx)
	})

	if ws, ok := a.bus.(*changebus.WSBus); ok {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-ws.Done():
				// The store keeps working locally; other contexts stop hearing us.
				a.log.Warn("bus.ws.lost", "err", ws.Err())
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

// close releases everything New opened, in reverse order.
func (a *App) close() {
	if a.watchdog != nil {
		a.watchdog.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("bus.close.fail", "err", err)
		}
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
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
