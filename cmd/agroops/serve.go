package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agroops/analytics"
	"agroops/engine"
	"agroops/messaging"
	"agroops/remap"
	"agroops/store"
	"agroops/www"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator web console",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// runtime holds the shared pieces every subcommand needs.
type runtime struct {
	db      *store.DB
	api     *analytics.Client
	eng     *engine.Engine
	closers []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// openRuntime opens the database, the mapping backend and the analytics
// client, and builds the engine on top of them.
func openRuntime() (*runtime, error) {
	log := logger.Sugar()
	rt := &runtime{}

	db, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { db.Close() })
	log.Infof("database open (%s)", cfg.Database.Driver)

	mappings, closeKV := openMappings(db)
	if closeKV != nil {
		rt.closers = append(rt.closers, closeKV)
	}

	rt.api = analytics.NewClient(cfg.Analytics.BaseURL, cfg.Analytics.Timeout, cfg.Analytics.Token)
	rt.eng = engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: configPath,
		DB:         db,
		Analytics:  rt.api,
		Mappings:   mappings,
		Logger:     logger,
		LogFunc:    log.Infof,
		Debug:      debug,
	})
	return rt, nil
}

// openMappings selects the field id mapping backend. An unreachable redis
// is kept anyway: lookups degrade to unmapped ids until it comes back.
func openMappings(db *store.DB) (remap.KV, func()) {
	switch cfg.Mapping.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, field ids unmapped until it answers",
				zap.String("address", cfg.Redis.Address), zap.Error(err))
		} else {
			logger.Info("redis connected", zap.String("address", cfg.Redis.Address))
		}
		cancel()
		return remap.NewRedisKV(client, cfg.Mapping.Timeout), func() { client.Close() }
	case "memory":
		return remap.NewMemoryKV(), nil
	case "disabled":
		return remap.Disabled{}, nil
	default:
		return db, nil
	}
}

func serve() error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	log := logger.Sugar()

	rt.eng.Start()
	defer rt.eng.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rt.eng.Ping(ctx); err != nil {
		log.Warnf("analytics service not available (%v)", err)
	} else {
		log.Infof("analytics service connected (%s)", rt.api.BaseURL())
	}
	cancel()

	if cfg.Messaging.Enabled {
		msgClient := messaging.NewClient(&cfg.Messaging, cfg.ClientID())
		if err := msgClient.Connect(); err != nil {
			log.Warnf("messaging connect failed (%v), events stay queued", err)
		} else {
			log.Infof("messaging connected (%s)", cfg.Messaging.Backend)
		}
		defer msgClient.Close()

		drainer := messaging.NewOutboxDrainer(rt.db, msgClient, cfg.Messaging.OutboxDrainInterval)
		drainer.Start()
		defer drainer.Stop()
	}

	handler, stopWeb := www.NewRouter(rt.eng)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("web server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		stopWeb()
		return fmt.Errorf("web server: %w", err)
	}

	log.Infof("shutting down...")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Infof("stopped")
	return nil
}
