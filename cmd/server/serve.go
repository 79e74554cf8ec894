package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/auth"
	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/breaker"
	"github.com/Tyrowin/gochat-presence/internal/config"
	"github.com/Tyrowin/gochat-presence/internal/dispatch"
	"github.com/Tyrowin/gochat-presence/internal/health"
	"github.com/Tyrowin/gochat-presence/internal/logging"
	"github.com/Tyrowin/gochat-presence/internal/presence"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/relay"
	"github.com/Tyrowin/gochat-presence/internal/sendqueue"
	"github.com/Tyrowin/gochat-presence/internal/server"
	"github.com/Tyrowin/gochat-presence/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type closableStore interface {
	dispatch.Store
	Close() error
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// openStore returns the configured store, migrated when auto_migrate is set.
func openStore(ctx context.Context, cfg config.StoreConfig, migrate bool, log *zap.Logger) (closableStore, error) {
	if cfg.Driver == config.StoreMemory {
		log.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}

	opts := store.DefaultOptions(cfg.Driver, cfg.DSN)
	if cfg.MaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		opts.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		opts.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	db, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
		}
		log.Info("store schema up to date", zap.String("driver", cfg.Driver))
	}
	return db, nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store.Driver == config.StoreMemory {
		return errors.New("migrate: the memory store has no schema; configure sqlite or postgres")
	}
	st, err := openStore(ctx, cfg.Store, true, log)
	if err != nil {
		return err
	}
	return st.Close()
}

func dispatchOptions(cfg config.Config, node string, st dispatch.Store, rl relay.Relay, metrics *health.Metrics, log *zap.Logger) dispatch.Options {
	return dispatch.Options{
		Registry: registry.Options{
			MaxConnections: cfg.Registry.MaxConnections,
			StaleAfter:     cfg.Registry.StaleAfter,
		},
		Presence: presence.Options{
			OfflineTimeout:    cfg.Presence.OfflineTimeout,
			SweepInterval:     cfg.Presence.SweepInterval,
			ReconcileSchedule: cfg.Presence.ReconcileSchedule,
		},
		Chat: batcher.Options{
			BatchSize:     cfg.Batcher.BatchSize,
			FlushInterval: cfg.Batcher.FlushInterval,
		},
		Voice: batcher.Options{
			BatchSize:     cfg.Batcher.BatchSize,
			FlushInterval: cfg.Batcher.VoiceFlushInterval,
		},
		Queue: sendqueue.Options{
			Workers:      cfg.Queue.Workers,
			Capacity:     cfg.Queue.Capacity,
			WriteTimeout: cfg.Queue.WriteTimeout,
		},
		Breaker: breaker.Settings{
			MaxFailures: cfg.Breaker.MaxFailures,
			Window:      cfg.Breaker.Window,
			CoolDown:    cfg.Breaker.CoolDown,
		},
		Monitor: health.MonitorOptions{
			Interval:            cfg.Health.Interval,
			MemoryHighWatermark: cfg.Health.MemoryHighWatermark,
		},
		Store:   st,
		Relay:   rl,
		NodeID:  node,
		Metrics: metrics,
		Logger:  log,
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	node := uuid.NewString()
	log = log.With(zap.String("node", node))
	log.Info("starting gochat", zap.String("version", version), zap.String("commit", commit))

	st, err := openStore(ctx, cfg.Store, cfg.Store.AutoMigrate, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	rl, err := relay.New(ctx, relay.Config{
		Kind:      cfg.Relay.Kind,
		Topic:     cfg.Relay.Topic,
		RedisAddr: cfg.Relay.RedisAddr,
		RedisDB:   cfg.Relay.RedisDB,
		RedisPass: cfg.Relay.RedisPassword,
		NATSURL:   cfg.Relay.NATSURL,
	}, node, log.Named("relay"))
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := startDispatch(ctx, dispatchOptions(cfg, node, st, rl, health.NewMetrics(reg), log))
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if !verifier.Enabled() {
		log.Warn("jwt secret not configured; trusting user_id query parameter")
	}

	srv := server.New(server.Options{
		Config:   cfg.Server,
		Dispatch: svc,
		Auth:     verifier,
		Gatherer: reg,
		Logger:   log.Named("server"),
	})
	httpServer := server.CreateServer(cfg.Server.Port, srv.Routes())

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer, log) }()

	select {
	case err = <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	return shutdown(httpServer, srv, svc, cfg.Server.ShutdownTimeout, log, err)
}

// startDispatch creates and starts the service. The relay in opts is closed
// when either step fails, since the service only owns it once started.
func startDispatch(ctx context.Context, opts dispatch.Options) (*dispatch.Service, error) {
	svc, err := dispatch.New(opts)
	if err == nil {
		err = svc.Start(ctx)
	}
	if err == nil {
		return svc, nil
	}
	if opts.Relay != nil {
		if cerr := opts.Relay.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close relay: %w", cerr))
		}
	}
	return nil, err
}

// shutdown stops accepting connections, closes every client with 1001 and
// waits for the client goroutines, all within timeout.
func shutdown(hs *http.Server, srv *server.Server, svc *dispatch.Service, timeout time.Duration, log *zap.Logger, cause error) error {
	errs := []error{cause}
	if err := server.ShutdownServer(hs, timeout, log); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatch shutdown: %w", err))
	}
	if err := srv.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("client shutdown: %w", err))
	}
	log.Info("server stopped")
	return errors.Join(errs...)
}
