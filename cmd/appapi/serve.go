package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/app-api-sub001/pkg/api"
	"github.com/nextcloud/app-api-sub001/pkg/config"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/proxy"
	"github.com/nextcloud/app-api-sub001/pkg/reconciler"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AppAPI server",
	Long: `Run the AppAPI server: the HTTP API, the ExApp reverse proxy under
/exapps, and the background reconciler.

On Nextcloud AIO hosts (THIS_IS_AIO=true or --aio) the default AIO daemons
are registered on startup.`,
	Args: exactArgs(0),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "TCP address of the API (overrides the configuration)")
	serveCmd.Flags().String("socket", "", "Unix socket for the read-only API (overrides the configuration)")
	serveCmd.Flags().Bool("aio", false, "Register the Nextcloud AIO daemons")
}

// loadConfig reads the configuration and applies the persistent flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, &usageError{err: err}
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.Socket = v
	}
	if v, _ := cmd.Flags().GetBool("aio"); v {
		cfg.AIO = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("storage", "api")

	settings, err := cfg.DeploySettings()
	if err != nil {
		return err
	}
	roots, crl, err := cfg.CodeSigning()
	if err != nil {
		return &usageError{err: err}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "ok")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr, err := manager.NewManager(manager.Config{
		Settings:         settings,
		HeartbeatPoller:  health.NewPoller(cfg.HeartbeatPoller.Interval, cfg.HeartbeatPoller.MaxAttempts),
		InitTimeout:      cfg.InitTimeout,
		CodeSigningRoots: roots,
		RevocationList:   crl,
		RequireSignature: cfg.RequireSignature,
	}, store, broker)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.EnsureAIODaemons(ctx, cfg.AIO, os.LookupEnv); err != nil {
		return err
	}

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	recon := reconciler.NewReconciler(mgr, reconciler.Config{
		Interval:     cfg.Reconcile.Interval,
		CheckDaemons: cfg.Reconcile.CheckDaemons,
	})
	recon.Start(ctx)
	defer recon.Stop()

	px := proxy.NewProxy(mgr, proxy.Config{
		CacheSize:      cfg.Proxy.CacheSize,
		CacheTTL:       cfg.Proxy.CacheTTL,
		ThrottleBurst:  cfg.Proxy.ThrottleBurst,
		ThrottleEvery:  cfg.Proxy.ThrottleEvery,
		TrustForwarded: cfg.Proxy.TrustForwarded,
	})
	px.Throttler().StartCleanupJob(ctx.Done())

	server := api.NewServer(mgr, px, broker, api.Options{
		AdminToken: cfg.AdminToken,
		Version:    Version,
	})
	if cfg.AdminToken == "" {
		logger.Warn().Msg("No admin token configured, the API is open to anyone who can reach it")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.Listen)
	})
	if cfg.Socket != "" {
		g.Go(func() error {
			return server.ServeUnix(gctx, cfg.Socket)
		})
	}
	metrics.RegisterComponent("api", true, "serving on "+cfg.Listen)

	start := time.Now()
	logger.Info().
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Str("nextcloud_url", cfg.Nextcloud.URL).
		Msg("AppAPI is running")

	err = g.Wait()
	metrics.UpdateComponent("api", false, "shutting down")
	logger.Info().Dur("uptime", time.Since(start)).Msg("Shutdown complete")
	return err
}
