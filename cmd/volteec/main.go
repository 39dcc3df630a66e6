package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/volteec/volteec-server/internal/api"
	"github.com/volteec/volteec-server/internal/bus"
	"github.com/volteec/volteec-server/internal/config"
	"github.com/volteec/volteec-server/internal/metrics"
	"github.com/volteec/volteec-server/internal/nut"
	"github.com/volteec/volteec-server/internal/poller"
	"github.com/volteec/volteec-server/internal/relay"
	"github.com/volteec/volteec-server/internal/store"
	"github.com/volteec/volteec-server/internal/stream"
	"github.com/volteec/volteec-server/internal/tokencrypt"
)

func main() {
	// 1. Load and validate configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Open the store.
	db, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	upsRepo := store.NewUPSRepo(db)
	deviceRepo := store.NewDeviceRepo(db)

	// 3. Device token crypto: missing key disables registration, not boot.
	var cipher *tokencrypt.Cipher
	if cfg.DeviceTokenKey == "" {
		log.Printf("[main] DEVICE_TOKEN_KEY not set, device registration disabled")
	} else if cipher, err = tokencrypt.New(cfg.DeviceTokenKey); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 4. Relay: misconfiguration is a warning, the server runs without push.
	m := metrics.New()
	var relayClient *relay.Client
	var checker *relay.Checker
	if cfg.RelayConfigured() {
		relayClient, err = relay.NewClient(relay.Config{
			BaseURL:     cfg.RelayBaseURL(),
			TenantID:    cfg.Relay.TenantID,
			Secret:      cfg.Relay.TenantSecret,
			ServerID:    cfg.Relay.ServerID,
			Environment: cfg.Environment,
		})
		if err != nil {
			log.Printf("[main] relay disabled: %v", err)
		} else {
			relayClient.SetObserver(func(path string, ok bool) {
				outcome := "ok"
				if !ok {
					outcome = "error"
				}
				m.RelayRequests.WithLabelValues(path, outcome).Inc()
			})
			checker = relay.NewChecker(relayClient, deviceRepo)
			if err := checker.Start(); err != nil {
				log.Printf("[main] update checker not started: %v", err)
				checker = nil
			}
		}
	} else {
		log.Printf("[main] relay credentials not set, push disabled")
	}

	// 5. Poller.
	eventBus := bus.New()
	fetcher := nut.NewClient(cfg.NUT.Host, cfg.NUT.Port, cfg.NUT.Username, cfg.NUT.Password)
	var pollerRelay poller.Relay
	if relayClient != nil {
		pollerRelay = relayClient
	}
	upsPoller := poller.New(
		fetcher, upsRepo, eventBus, pollerRelay, m,
		cfg.NUT.UPSNames, cfg.NUT.PollInterval.Duration,
	)

	pollCtx, stopPolling := context.WithCancel(context.Background())
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		upsPoller.Run(pollCtx)
	}()

	// 6. HTTP server.
	var pairRelay api.PairRelay
	if relayClient != nil {
		pairRelay = relayClient
	}
	var compat api.CompatibilityReporter
	if checker != nil {
		compat = checker
	}
	events := stream.NewHandler(eventBus, upsRepo, m)
	srv := api.NewServer("", cfg.Port, api.Deps{
		APIToken:    cfg.APIToken,
		Degraded:    cfg.Degraded(),
		Environment: cfg.Environment,
		UPS:         upsRepo,
		Devices:     deviceRepo,
		Cipher:      cipher,
		Relay:       pairRelay,
		Compat:      compat,
		Events:      events,
		Metrics:     m.Handler(),
		Ready: func() bool {
			return !cfg.Degraded() && db.Ping() == nil
		},
	})

	go func() {
		log.Printf("volteec server %s starting on :%d (ups: %v)",
			mode(cfg), cfg.Port, cfg.NUT.UPSNames)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// 7. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)

	stopPolling()
	pollWG.Wait()
	if checker != nil {
		checker.Stop()
	}

	// Live SSE streams keep their connections busy; Shutdown would wait out
	// its whole timeout unless they are closed first.
	events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if relayClient != nil {
		relayClient.Wait()
	}
	log.Println("server stopped")
}

func mode(cfg *config.Config) string {
	if cfg.Degraded() {
		return "(degraded)"
	}
	return "(" + string(cfg.Environment) + ")"
}

// openStore selects Postgres when DATABASE_HOST is set, SQLite under the
// state directory otherwise, and runs schema init either way.
func openStore(cfg *config.Config) (*store.DB, error) {
	var db *store.DB
	var err error
	if cfg.UsesPostgres() {
		db, err = store.OpenPostgres(store.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			Name:     cfg.Database.Name,
			TLSMode:  cfg.Database.TLSMode,
		})
	} else {
		if mkErr := os.MkdirAll(cfg.StateDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create state dir: %w", mkErr)
		}
		db, err = store.OpenSQLite(filepath.Join(cfg.StateDir, "volteec.db"))
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
