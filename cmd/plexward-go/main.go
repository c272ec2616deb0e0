// Package main is the entrypoint for the plexward-go server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plexward/plexward-go/internal/audit"
	"github.com/plexward/plexward-go/internal/config"
	"github.com/plexward/plexward-go/internal/plex"
	"github.com/plexward/plexward-go/internal/redemption"
	"github.com/plexward/plexward-go/internal/server"
	"github.com/plexward/plexward-go/internal/store"

	// Register store drivers
	_ "github.com/plexward/plexward-go/internal/store/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: memory, sqlite, or postgres (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory for file-backed store drivers (overrides config)")
	plexBaseURL := flag.String("plex-base-url", "", "Plex API origin (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:  listenAddr,
			LogLevel:    logLevel,
			StoreDriver: storeDriver,
			DataDir:     dataDir,
			PlexBaseURL: plexBaseURL,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Log effective config with secrets redacted
	logger.Info("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the store
	driver, err := store.New(&store.DriverConfig{
		Driver:  cfg.Store.Driver,
		DataDir: cfg.Store.DataDir,
		Options: cfg.Store.Options,
	})
	if err != nil {
		logger.Error("failed to create store driver", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	if err := driver.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer driver.Close()
	logger.Info("store initialized", "driver", driver.Name())

	inviteStore, ok := driver.(store.InviteStore)
	if !ok {
		logger.Error("store driver does not support invites", "driver", driver.Name())
		os.Exit(1)
	}

	// Bootstrap the media server record from config if present
	if cfg.Plex.Server != nil {
		err := inviteStore.SetMediaServer(ctx, &store.MediaServer{
			Name:      cfg.Plex.Server.Name,
			MachineID: cfg.Plex.Server.MachineID,
			URL:       cfg.Plex.Server.URL,
			Token:     cfg.Plex.Server.Token,
		})
		if err != nil {
			logger.Error("failed to bootstrap media server record", "error", err)
			os.Exit(1)
		}
		logger.Info("media server configured",
			"name", cfg.Plex.Server.Name, "machine_id", cfg.Plex.Server.MachineID)
	}

	// Audit events go to the log and, when the driver supports it, to
	// the store's audit trail.
	var sink audit.Sink = audit.NewSlogSink(logger)
	if trail, ok := driver.(store.AuditStore); ok {
		sink = audit.MultiSink{audit.NewSlogSink(logger), audit.NewStoreSink(trail, logger)}
	}

	plexClient := plex.NewClient(plex.Config{
		BaseURL:          cfg.Plex.BaseURL,
		Timeout:          time.Duration(cfg.Plex.TimeoutMS) * time.Millisecond,
		PropagationDelay: time.Duration(cfg.Plex.PropagationDelayMS) * time.Millisecond,
	}, logger)

	redeemer := redemption.NewService(inviteStore, plexClient, sink, logger, redemption.Config{
		MaxRetries:        cfg.Redemption.MaxRetries,
		InitialRetryDelay: time.Duration(cfg.Redemption.InitialRetryDelayMS) * time.Millisecond,
	})

	srv, err := server.New(cfg, logger, &server.Deps{Redeemer: redeemer})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	logger.Info("server started, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
