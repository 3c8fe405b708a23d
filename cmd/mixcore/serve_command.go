package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmixer/mixcore/internal/api"
	"github.com/openmixer/mixcore/internal/config"
	"github.com/openmixer/mixcore/internal/logging"
	"github.com/openmixer/mixcore/internal/store"
	"github.com/openmixer/mixcore/pkg/engine"
)

func newServeCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mixing engine and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(*configFlag)
			if err != nil {
				return err
			}

			log, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer func() { _ = log.Sync() }()

			if exists {
				log.Info("configuration loaded", zap.String("path", path))
			} else {
				log.Info("no configuration file, using defaults", zap.String("path", path))
			}

			return runServe(cmd.Context(), cfg, log)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer func() { _ = db.Close() }()

	session := engine.New(engine.Config{
		Decks:         cfg.Engine.Decks,
		SampleRate:    cfg.Engine.SampleRate,
		ChunkFrames:   cfg.Engine.ChunkFrames,
		VideoWidth:    cfg.Video.Width,
		VideoHeight:   cfg.Video.Height,
		VideoFPS:      cfg.Video.FPS,
		VideoDisabled: !cfg.Video.Enabled,
		CacheBytes:    int64(cfg.Engine.CacheBudgetMB) << 20,
	}, log.Named("engine"))

	// Seed the binder from the stored mapping table, preferring the
	// JSON file if someone edited it offline.
	if maps, err := store.ImportMappings(cfg.Store.MappingsPath); err == nil {
		session.Binder().Import(maps)
		log.Info("mappings loaded from file",
			zap.String("path", cfg.Store.MappingsPath), zap.Int("mappings", len(maps)))
	} else if maps, dbErr := db.Mappings(ctx); dbErr == nil && len(maps) > 0 {
		session.Binder().Import(maps)
		log.Info("mappings loaded from library", zap.Int("mappings", len(maps)))
	}

	if cfg.Store.WatchMappings {
		go func() {
			err := store.WatchMappings(ctx, cfg.Store.MappingsPath, log.Named("store"), session.Binder().Import)
			if err != nil {
				log.Warn("mapping watcher stopped", zap.Error(err))
			}
		}()
	}

	_, handler := api.NewServer(session, log.Named("api"))
	httpServer := &http.Server{
		Addr:              cfg.API.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("control api listening", zap.String("bind", cfg.API.Bind))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control api failed", zap.Error(err))
			stop()
		}
	}()

	session.Run(ctx, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("control api shutdown", zap.Error(err))
	}

	// Persist the final mapping table so learned bindings survive.
	if err := db.SaveMappings(context.Background(), session.Binder().Export()); err != nil {
		log.Warn("persist mappings", zap.Error(err))
	}
	return nil
}
