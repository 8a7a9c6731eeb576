/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll run engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, then config (file + PAYROLL_* environment)
  2. Initialize SQLite store (runs, roster, attendance)
  3. Choose run locker: Redis when enabled, in-process otherwise
  4. Choose transport: Pub/Sub when enabled, log otherwise
  5. Load tax schedule (YAML file or built-in table)
  6. Start HTTP server and delivery retry scheduler

COMMAND-LINE FLAGS:
  -config  Config file path (default: ./config.yaml or ./config/config.yaml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the retry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close transport, Redis and database connections

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/delivery"
	"github.com/warp/payroll-engine/lock"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
	"github.com/warp/payroll-engine/tax"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to configure logger: %v", err)
	}

	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Run locker
	var locker lock.Locker = lock.NewLocalLocker(cfg.Lock.Wait)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.Wait)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis run lock")
	}

	// Voucher transport
	var transport payroll.Transport = delivery.NewLogTransport(log)
	if cfg.PubSub.Enabled {
		ps, err := delivery.NewPubSubTransport(ctx, delivery.PubSubConfig{
			ProjectID:       cfg.PubSub.ProjectID,
			Topic:           cfg.PubSub.Topic,
			CredentialsJSON: cfg.PubSub.CredentialsJSON,
			CreateTopic:     cfg.PubSub.CreateTopic,
		}, log)
		if err != nil {
			log.Fatalf("Failed to initialize pubsub transport: %v", err)
		}
		defer ps.Close()
		transport = ps
	}

	// Tax schedule
	var table tax.Table = tax.Honduras2025()
	if cfg.Payroll.TaxSchedule != "" {
		schedule, err := tax.LoadSchedule(cfg.Payroll.TaxSchedule)
		if err != nil {
			log.Fatalf("Failed to load tax schedule: %v", err)
		}
		table = schedule
	}
	log.WithField("tax_table", table.Name()).Info("tax schedule loaded")

	svc, err := payroll.NewService(payroll.Options{
		Store:           store,
		Roster:          store,
		Attendance:      store,
		Transport:       transport,
		Issuer:          payroll.URLIssuer{BaseURL: cfg.Payroll.ArtifactBaseURL},
		Locker:          locker,
		Table:           table,
		CallTimeout:     cfg.Payroll.CallTimeout,
		Workers:         cfg.Payroll.Workers,
		DeliveryTimeout: cfg.Payroll.DeliveryTimeout,
		Logger:          log,
	})
	if err != nil {
		log.Fatalf("Failed to initialize payroll service: %v", err)
	}

	handler := api.NewHandler(svc, store, log)
	router := api.NewRouter(handler, cfg.Server.AllowOrigins)

	tenants := make([]payroll.TenantID, len(cfg.Payroll.RetryTenants))
	for i, t := range cfg.Payroll.RetryTenants {
		tenants[i] = payroll.TenantID(t)
	}
	scheduler := api.NewRetryScheduler(svc, tenants, log)
	scheduler.CheckInterval = cfg.Payroll.RetryInterval
	scheduler.Start()

	// The distribute handler lifts WriteTimeout for its own response.
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Payroll.CallTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on %s", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
