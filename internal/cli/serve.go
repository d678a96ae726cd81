package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/citinet/hubtunnel/internal/api"
	"github.com/citinet/hubtunnel/internal/config"
	"github.com/citinet/hubtunnel/internal/debughttp"
	"github.com/citinet/hubtunnel/internal/install"
	ilog "github.com/citinet/hubtunnel/internal/log"
	"github.com/citinet/hubtunnel/internal/orchestrator"
	"github.com/citinet/hubtunnel/internal/process"
	"github.com/citinet/hubtunnel/internal/provider"
	"github.com/citinet/hubtunnel/internal/provider/managed"
	"github.com/citinet/hubtunnel/internal/provider/mesh"
	"github.com/citinet/hubtunnel/internal/provider/quick"
	"github.com/citinet/hubtunnel/internal/registration"
	"github.com/citinet/hubtunnel/internal/store/sqlite"
	"github.com/citinet/hubtunnel/internal/vault"
	"github.com/citinet/hubtunnel/internal/watchdog"
)

const (
	closeTimeout = 15 * time.Second
	settingHubID = "hub_id"
)

func newServeCmd() *cobra.Command {
	cfg := config.DefaultHub()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel orchestrator and its command surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return usageError(fmt.Errorf("serve config error: %w", err))
			}
			logger := ilog.NewWithFormat(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg config.HubConfig, logger *slog.Logger) error {
	if ilog.ParseLevel(cfg.LogLevel) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	hubID, err := store.ResolveSetting(ctx, settingHubID, uuid.NewString())
	if err != nil {
		return fmt.Errorf("resolve hub id: %w", err)
	}
	logger = logger.With("hub_id", hubID)

	orch := newOrchestrator(cfg, store, logger)

	events := api.NewBroadcaster()
	orch.Subscribe(events)
	reporter := registration.NewReporter(
		registration.NewDirectory(cfg.DirectoryURL, cfg.DirectoryToken),
		registration.Config{HubID: hubID, DisplayName: cfg.HubName, Logger: logger},
	)
	orch.Subscribe(reporter)
	if err := orch.Load(ctx); err != nil {
		logger.Warn("load tunnel record", "err", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := debughttp.StartPprofServer(runCtx, cfg.PprofAddr, logger); err != nil {
		_ = ln.Close()
		return fmt.Errorf("pprof listen: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reporter.Run(runCtx)
	}()

	wd := watchdog.New(orch, watchdog.Config{
		Interval:    cfg.WatchdogInterval,
		MaxRestarts: cfg.MaxRestarts,
		Logger:      logger,
	})
	// Restarting the tunnel can take a full start timeout; the surface
	// answers status queries meanwhile.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Resume(runCtx); err != nil {
			logger.Warn("boot recovery did not restore the tunnel", "err", err)
		}
		_ = wd.Run(runCtx)
	}()

	srv := api.New(orch, api.Options{AdminToken: cfg.AdminToken, Events: events, Logger: logger})
	serveErr := srv.Serve(runCtx, ln)

	logger.Info("shutting down")
	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	orch.Close(closeCtx)
	wg.Wait()
	return serveErr
}

func newOrchestrator(cfg config.HubConfig, store *sqlite.Store, logger *slog.Logger) *orchestrator.Orchestrator {
	runner := process.ExecRunner{}
	installer := install.New(cfg.BinDir(), runner.LookPath, logger)
	registry := provider.NewRegistry(
		quick.New(runner, installer, logger, quick.Options{
			RelayDomain:  cfg.RelayDomain,
			StartTimeout: cfg.StartTimeout,
		}),
		managed.New(runner, installer, logger, managed.Options{
			APIBase:      cfg.ManagedAPIBase,
			StartTimeout: cfg.StartTimeout,
		}),
		mesh.New(runner, logger, mesh.Options{
			Downloader: installer.DownloadFile,
		}),
	)
	v := vault.New(store, keySource(cfg, logger), logger)
	return orchestrator.New(store, v, registry, orchestrator.Options{
		LocalPort:        cfg.LocalPort,
		AuthPollInterval: cfg.AuthPollInterval,
		AuthPollAttempts: cfg.AuthPollAttempts,
		InstallTimeout:   cfg.InstallTimeout,
		ProcessTimeout:   cfg.ProcessTimeout,
		StartTimeout:     cfg.StartTimeout,
		Logger:           logger,
	})
}

func keySource(cfg config.HubConfig, logger *slog.Logger) vault.KeySource {
	switch cfg.KeyBackend {
	case config.KeyBackendKeyring:
		return vault.NewKeyringKeySource()
	case config.KeyBackendFile:
		return &vault.FileKeySource{Path: cfg.KeyFile()}
	}
	return &vault.FallbackKeySource{
		Keyring: vault.NewKeyringKeySource(),
		File:    &vault.FileKeySource{Path: cfg.KeyFile()},
		OnFallback: func(err error) {
			logger.Warn("platform keychain unavailable; storing the vault key on disk", "path", cfg.KeyFile(), "err", err)
		},
	}
}
