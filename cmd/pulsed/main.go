package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thetahealth/mirobody-sub002/internal/config"
	"github.com/thetahealth/mirobody-sub002/internal/crypto"
	"github.com/thetahealth/mirobody-sub002/internal/httpapi"
	"github.com/thetahealth/mirobody-sub002/internal/ingest"
	"github.com/thetahealth/mirobody-sub002/internal/lock"
	"github.com/thetahealth/mirobody-sub002/internal/platform"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/providers/applehealth"
	"github.com/thetahealth/mirobody-sub002/internal/providers/garmin"
	"github.com/thetahealth/mirobody-sub002/internal/providers/pgsql"
	"github.com/thetahealth/mirobody-sub002/internal/providers/whoop"
	"github.com/thetahealth/mirobody-sub002/internal/push"
	"github.com/thetahealth/mirobody-sub002/internal/scheduler"
	"github.com/thetahealth/mirobody-sub002/internal/store"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Version information (set at build time with -ldflags)
var (
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "pulsed",
	Short:   "Pulse core - health data ingestion and normalization service",
	Long:    `Pulsed ingests health telemetry from device vendors, mobile exports, and webhooks, normalizes every record into the canonical indicator schema, and persists it for downstream analytics.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var triggerForce bool

var pullTaskCmd = &cobra.Command{
	Use:   "pulltask",
	Short: "Pull task operations",
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <provider-slug>",
	Short: "Run one provider's pull task immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
		defer cancel()
		if !app.engine.ManualTrigger(ctx, args[0], triggerForce) {
			return fmt.Errorf("pull task for %s did not run", args[0])
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		db, err := store.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		return store.Migrate(ctx, db)
	},
}

func init() {
	triggerCmd.Flags().BoolVar(&triggerForce, "force", false, "ignore locks and execution intervals, clear the incremental-sync timestamp")
	pullTaskCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(pullTaskCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wired object graph: everything is constructed once here and
// passed by reference, with no mutation after startup.
type app struct {
	cfg     *config.Config
	db      *store.DB
	manager *platform.Manager
	engine  *scheduler.Engine
	server  *httpapi.Server
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// statsAdapter bridges the store's aggregate stats query to the platform
// manager's StatsSource.
type statsAdapter struct{ db *store.DB }

func (s statsAdapter) ProviderStats(ctx context.Context, userID string, slugs []string) (map[string]platform.ProviderStats, error) {
	stats, err := store.UserProviderStats(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]platform.ProviderStats, len(stats))
	for source, stat := range stats {
		out[source] = platform.ProviderStats{RecordCount: stat.RecordCount, LastSyncedAt: stat.LastSyncedAt}
	}
	return out, nil
}

func buildApp() (*app, error) {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cm, err := crypto.NewCryptoManagerAt(cfg.DataDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize crypto: %w", err)
	}

	v, err := vault.New(db.SQL(), cm)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize vault: %w", err)
	}

	locks := lock.New(cfg.RedisAddr)
	seriesStore := store.NewSeriesStore(db)
	summaryStore := store.NewSummaryStore(db)
	pipeline := ingest.New(seriesStore, summaryStore)
	vendorHTTP := provider.NewVendorHTTPClient(cfg.VendorHTTPTimeout)

	manager := platform.NewManager(statsAdapter{db: db})
	pushSvc := push.New(manager, cfg.PushHTTPBaseURL)
	if cfg.PushUseHTTP {
		pushSvc.UseHTTPPush()
	}

	// The registry names each provider's uniform constructor; factories
	// decline when their vendor configuration is absent and the provider is
	// silently skipped.
	registry := provider.NewRegistry()
	registry.Register(whoop.Slug, func(c provider.Config) (provider.Provider, bool) {
		return whoop.New(c, whoop.Deps{
			Vault:  v,
			States: locks,
			Raw:    store.NewRawStore(db, "whoop"),
			HTTP:   vendorHTTP,
			Push:   pushSvc,
		})
	})
	registry.Register(garmin.Slug, func(c provider.Config) (provider.Provider, bool) {
		return garmin.New(c, garmin.Deps{
			Vault:  v,
			States: locks,
			Raw:    store.NewRawStore(db, "garmin"),
			HTTP:   vendorHTTP,
		})
	})
	registry.Register(pgsql.Slug, func(c provider.Config) (provider.Provider, bool) {
		return pgsql.New(c, v)
	})

	theta := platform.NewTheta(v, pipeline)
	theta.SetCascadeDeleter(store.NewCascade(seriesStore, summaryStore))
	for _, slug := range registry.Slugs() {
		p, ok := registry.CreateProvider(slug, cfg)
		if !ok {
			log.Info().Str("provider", slug).Msg("provider skipped: configuration incomplete")
			continue
		}
		if err := theta.RegisterProvider(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("register provider %s: %w", slug, err)
		}
	}
	manager.RegisterPlatform(theta)

	appleProvider, _ := applehealth.New(cfg)
	manager.RegisterPlatform(platform.NewApple(appleProvider, pipeline))

	// Per-provider execution intervals; anything unlisted runs hourly.
	executionIntervals := map[string]time.Duration{
		whoop.Slug:  24 * time.Hour,
		garmin.Slug: 6 * time.Hour,
	}

	engine := scheduler.NewEngine(locks, v, pushSvc)
	for _, info := range theta.GetProviders() {
		p, _ := theta.Provider(info.Slug)
		interval := executionIntervals[info.Slug]
		if interval == 0 {
			interval = time.Hour
		}
		engine.RegisterTask(p, scheduler.TaskConfig{
			Slug:              info.Slug,
			PlatformName:      theta.Name(),
			Kind:              scheduler.ScheduleHourly,
			ExecutionInterval: interval,
		})
	}

	return &app{
		cfg:     cfg,
		db:      db,
		manager: manager,
		engine:  engine,
		server:  httpapi.New(manager),
	}, nil
}

func runServer() error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	log.Info().Msg("Starting pulse core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.engine.Start(ctx)
	defer app.engine.Stop()

	httpServer := &http.Server{
		Addr:              app.cfg.ListenAddr,
		Handler:           app.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", app.cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	return nil
}
