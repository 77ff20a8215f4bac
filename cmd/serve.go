package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/burakkaraceylan/vessel/internal/api"
	"github.com/burakkaraceylan/vessel/internal/assets"
	"github.com/burakkaraceylan/vessel/internal/bus"
	"github.com/burakkaraceylan/vessel/internal/config"
	"github.com/burakkaraceylan/vessel/internal/dashboard"
	"github.com/burakkaraceylan/vessel/internal/gateway"
	"github.com/burakkaraceylan/vessel/internal/modules/homeassistant"
	"github.com/burakkaraceylan/vessel/internal/modules/system"
	"github.com/burakkaraceylan/vessel/internal/wasm"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the vessel host",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		slog.Error("failed to prepare data dir", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assetStore := assets.New()
	manager := bus.NewManager(assetStore)

	registerNativeModules(manager, cfg)
	registerGuestModules(manager, cfg, dataDir)

	dashboards, err := dashboard.NewStore(filepath.Join(dataDir, "dashboards"))
	if err != nil {
		slog.Error("failed to open dashboard store", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, manager)
	api.NewHandler(filepath.Join(dataDir, "modules"), dashboards, assetStore).
		RegisterRoutes(server.Mux())

	g, gctx := errgroup.WithContext(ctx)
	manager.StartAll(gctx)
	g.Go(func() error { return server.Start(gctx) })
	if err := g.Wait(); err != nil {
		slog.Error("gateway stopped", "error", err)
	}

	slog.Info("shutting down, waiting for modules")
	manager.Wait()
}

func registerNativeModules(manager *bus.Manager, cfg *config.Config) {
	sys, err := system.New(cfg.ModuleConfig("system"))
	if err != nil {
		slog.Error("system module unavailable", "error", err)
		os.Exit(1)
	}
	if err := manager.Register(sys); err != nil {
		slog.Error("registering system module", "error", err)
	}

	// Home Assistant only runs when its table is present in the config.
	if _, configured := cfg.Modules["homeassistant"]; configured {
		ha, err := homeassistant.New(cfg.ModuleConfig("homeassistant"))
		if err != nil {
			slog.Error("home assistant module unavailable", "error", err)
			os.Exit(1)
		}
		if err := manager.Register(ha); err != nil {
			slog.Error("registering home assistant module", "error", err)
		}
	}
}

func registerGuestModules(manager *bus.Manager, cfg *config.Config, dataDir string) {
	modulesDir := filepath.Join(dataDir, "modules")
	guests := wasm.DiscoverGuests(modulesDir, cfg.ModuleConfig, manager)
	for _, guest := range guests {
		if err := manager.Register(guest); err != nil {
			slog.Error("registering guest module", "module", guest.Name(), "error", err)
			continue
		}
		slog.Info("guest module loaded",
			"module", guest.Name(),
			"version", guest.Manifest().Version,
			"api_version", guest.Manifest().APIVersion,
		)
	}
}
