// Package main wires up the data-access gateway: configuration, storage
// protocol handlers, the namespace registry, the plugin supervisor, the
// performance and sync-task pipelines, the scheduler bridge, and the HTTP
// transport, then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dataspan/gateway/internal/config"
	"github.com/dataspan/gateway/internal/httpapi"
	"github.com/dataspan/gateway/internal/logging"
	"github.com/dataspan/gateway/internal/migrations"
	"github.com/dataspan/gateway/internal/storage/cache"
	"github.com/dataspan/gateway/internal/storage/object"
	"github.com/dataspan/gateway/internal/storage/query"
	"github.com/dataspan/gateway/internal/storage/restapi"
	"github.com/dataspan/gateway/pkg/dispatch"
	"github.com/dataspan/gateway/pkg/hooks"
	"github.com/dataspan/gateway/pkg/perf"
	"github.com/dataspan/gateway/pkg/plugin"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/scheduler"
	"github.com/dataspan/gateway/pkg/script"
	"github.com/dataspan/gateway/pkg/synctask"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("database: open: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Run(db.DB); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	namespaces := registry.NewNamespaceRegistry()
	protocols := registry.NewProtocolRegistry()

	descriptors, err := config.LoadNamespaceDescriptors(cfg.Namespace.DescriptorDir)
	if err != nil {
		log.Fatalf("namespace descriptors: %v", err)
	}
	config.RegisterNamespaces(namespaces, descriptors, cfg.Namespace.Active)

	activeNamespaces := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		activeNamespaces = append(activeNamespaces, d.Name)
	}

	protocols.Register("object", object.New(db, namespaces))
	protocols.Register("query", query.New(db, namespaces))
	protocols.Register("redis", cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	protocols.Register("restapi", restapi.New())

	perfHolder := perf.NewHolder(prometheus.DefaultRegisterer)

	hookEngine := hooks.New(script.NewRegistry())
	dispatcher := dispatch.New(protocols, namespaces, hookEngine, perfHolder)

	// Wired here rather than at construction: pkg/perf can't import
	// pkg/dispatch, so the forward func is handed in after both exist.
	perfHolder.SetConsumer(cfg.Perf.ConsumerURI, dispatcher.AsPerfForwardFunc())

	taskLogger := synctask.NewTaskLogger(dispatcher.AsTaskLoggerInvokeFunc())
	taskLogger.SetStoreURI(cfg.SyncTask.StoreURI)
	syncQueue := synctask.NewQueue(cfg.SyncTask.Capacity)

	if cfg.Scheduler.Enabled {
		mgr := scheduler.NewCronManager()
		mgr.OnJobError = func(jobID string, err error) {
			logger.WithField("job_id", jobID).Errorf("scheduled job failed: %v", err)
		}
		scheduler.Instance().Install(mgr)
		mgr.Start()
	}

	server := httpapi.New(httpapi.Config{JWTSecret: []byte(cfg.Auth.Secret), RateLimit: cfg.RateLimit}, dispatcher, perfHolder, logger)
	defer server.Close()

	zlog := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	loader := plugin.NewLoader()
	supervisor := plugin.NewSupervisor(loader, protocols, namespaces, zlog, server.PluginRouter(), server.AnonymousPluginRouter())
	if err := supervisor.Start(activeNamespaces); err != nil {
		log.Fatalf("plugin supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go perfHolder.Run(ctx)
	go syncQueue.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           server.Router(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("gateway starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	perfHolder.Stop()
	syncQueue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http server shutdown: %v", err)
	}
}
