// Package main runs the movement reconciliation service:
// - Passes (scheduled or once): match exchange movements to onchain events
// - HTTP: Prometheus metrics, health check, websocket notifications
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"movement-matcher/internal/matching"
	"movement-matcher/internal/notify"
	"movement-matcher/internal/observability"
	"movement-matcher/internal/reconcile"
	"movement-matcher/internal/storage"
	chstore "movement-matcher/internal/storage/clickhouse"
	"movement-matcher/internal/storage/memory"
	"movement-matcher/internal/storage/migrations"
	pgstore "movement-matcher/internal/storage/postgres"
)

// Config holds the environment-driven defaults; flags override.
type Config struct {
	PostgresDSN   string        `env:"POSTGRES_DSN"`
	ClickhouseDSN string        `env:"CLICKHOUSE_DSN"`
	AssetsFile    string        `env:"ASSETS_FILE"`
	ListenAddr    string        `env:"LISTEN_ADDR" envDefault:":9090"`
	PassInterval  time.Duration `env:"PASS_INTERVAL" envDefault:"1h"`
	WindowSeconds int64         `env:"MATCH_WINDOW_SECONDS" envDefault:"14400"`
	Tolerance     string        `env:"MATCH_TOLERANCE" envDefault:"0.01"`
}

// assetTables is the on-disk format of the assets file: collections, fiat
// assets, tracked chains, per-asset chains and per-chain tracked accounts.
type assetTables struct {
	Collections   map[string][]string `json:"collections"`
	Fiat          []string            `json:"fiat"`
	TrackedChains []string            `json:"tracked_chains"`
	AssetChains   map[string][]string `json:"asset_chains"`
	Accounts      map[string][]string `json:"accounts"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse environment: %v", err)
	}

	postgresDSN := flag.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", cfg.ClickhouseDSN, "ClickHouse connection string for the pass audit log (optional)")
	assetsFile := flag.String("assets-file", cfg.AssetsFile, "JSON file with asset collections, fiat list, tracked chains and accounts")
	listenAddr := flag.String("listen-addr", cfg.ListenAddr, "HTTP address for metrics, health and websocket notifications")
	passInterval := flag.Duration("pass-interval", cfg.PassInterval, "Interval between scheduled reconciliation passes")
	windowSeconds := flag.Int64("window-seconds", cfg.WindowSeconds, "Match window in seconds")
	tolerance := flag.String("tolerance", cfg.Tolerance, "Relative amount tolerance")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	once := flag.Bool("once", false, "Run a single pass and exit")
	verbose := flag.Bool("verbose", false, "Log per-movement decisions")
	flag.Parse()

	logger := log.New(os.Stdout, "[reconcile] ", log.LstdFlags)

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}
	if *assetsFile == "" {
		logger.Fatal("--assets-file is required")
	}

	tol, err := decimal.NewFromString(*tolerance)
	if err != nil {
		logger.Fatalf("invalid tolerance %q: %v", *tolerance, err)
	}

	assets, accounts, err := loadAssetTables(*assetsFile)
	if err != nil {
		logger.Fatalf("load assets file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, *postgresDSN, *useMemory)
	if err != nil {
		logger.Fatalf("create stores: %v", err)
	}
	defer cleanup()

	var audit storage.AuditStore
	if *clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("clickhouse migrations: %v", err)
		}
		defer conn.Close()
		audit = chstore.NewAuditStore(conn)
	}

	hub := notify.NewHub(nil)
	defer hub.Close()

	svc := reconcile.NewService(reconcile.Options{
		EventStore:    stores.events,
		LinkStore:     stores.links,
		MatchStore:    stores.matches,
		MappingStore:  stores.mappings,
		PassLocker:    stores.locker,
		AuditStore:    audit,
		Assets:        assets,
		Accounts:      accounts,
		Notifier:      hub,
		WindowSeconds: *windowSeconds,
		Tolerance:     tol,
		Verbose:       *verbose,
	})

	if *once {
		if err := runPass(ctx, svc, "manual", logger); err != nil {
			logger.Fatalf("pass failed: %v", err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Printf("HTTP listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	logger.Printf("running passes every %s (window %ds, tolerance %s)", *passInterval, *windowSeconds, tol)
	runLoop(ctx, svc, *passInterval, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	logger.Println("shutdown complete")
}

// runLoop runs one pass immediately, then one per tick until cancelled.
func runLoop(ctx context.Context, svc *reconcile.Service, interval time.Duration, logger *log.Logger) {
	if err := runPass(ctx, svc, "scheduled", logger); err != nil {
		logger.Printf("pass failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runPass(ctx, svc, "scheduled", logger); err != nil {
				logger.Printf("pass failed: %v", err)
			}
		}
	}
}

func runPass(ctx context.Context, svc *reconcile.Service, trigger string, logger *log.Logger) error {
	start := time.Now()
	result, err := svc.RunPass(ctx, trigger)
	if err != nil {
		observability.RecordPassError(trigger)
		return err
	}
	observability.RecordPass(trigger,
		result.MovementsSeen, result.Matched, result.AutoIgnored,
		result.Ambiguous, result.Failed, time.Since(start).Seconds())
	logger.Printf("pass %s: seen=%d matched=%d ignored=%d ambiguous=%d failed=%d",
		result.PassID, result.MovementsSeen, result.Matched,
		result.AutoIgnored, result.Ambiguous, result.Failed)
	for _, msg := range result.Errors {
		logger.Printf("pass %s: %s", result.PassID, msg)
	}
	return nil
}

// appStores holds the storage implementations the service needs.
type appStores struct {
	events   storage.EventStore
	links    storage.LinkStore
	matches  storage.MatchStore
	mappings storage.MappingStore
	locker   storage.PassLocker
}

// createStores creates the postgres-backed stores, or in-memory ones.
func createStores(ctx context.Context, postgresDSN string, useMemory bool) (*appStores, func(), error) {
	if useMemory {
		events := memory.NewEventStore()
		links := memory.NewLinkStore(events)
		backups := memory.NewBackupStore(events)
		mappings := memory.NewMappingStore()
		return &appStores{
			events:   events,
			links:    links,
			matches:  memory.NewMatchStore(events, links, backups, mappings),
			mappings: mappings,
			locker:   memory.NewPassLocker(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	events := pgstore.NewEventStore(pool)
	links := pgstore.NewLinkStore(pool)
	backups := pgstore.NewBackupStore(pool)
	mappings := pgstore.NewMappingStore(pool)
	return &appStores{
		events:   events,
		links:    links,
		matches:  pgstore.NewMatchStore(pool, events, links, backups, mappings),
		mappings: mappings,
		locker:   pgstore.NewPassLocker(pool),
	}, pool.Close, nil
}

// loadAssetTables reads the assets file into the static resolvers.
func loadAssetTables(path string) (*matching.StaticAssets, *matching.StaticAccounts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var tables assetTables
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}

	fiat := make(map[string]bool, len(tables.Fiat))
	for _, a := range tables.Fiat {
		fiat[a] = true
	}
	tracked := make(map[string]bool, len(tables.TrackedChains))
	for _, c := range tables.TrackedChains {
		tracked[c] = true
	}
	assets := &matching.StaticAssets{
		Collections:   tables.Collections,
		Fiat:          fiat,
		TrackedChains: tracked,
		AssetChains:   tables.AssetChains,
	}
	return assets, &matching.StaticAccounts{ByChain: tables.Accounts}, nil
}
