package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"ocrdrop/internal/api"
	"ocrdrop/internal/config"
	"ocrdrop/internal/extract"
	"ocrdrop/internal/logging"
	"ocrdrop/internal/preview"
	"ocrdrop/internal/session"
	"ocrdrop/internal/storage"
	"ocrdrop/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload page and API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Address = serveAddr
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	rootCmd.AddCommand(serveCmd)
}

// newManager builds the worker manager shared by serve and extract.
func newManager(cfg *config.Config, extractor extract.Extractor) *worker.Manager {
	return worker.NewManager(worker.Options{
		Extractor:      extractor,
		Instruction:    extract.Instruction(cfg.Extraction),
		Pacing:         worker.NewPacing(cfg.Worker.Pacing, cfg.Worker.Delay, cfg.Worker.MaxDelay),
		MaxConcurrent:  cfg.Worker.MaxConcurrent,
		RequestTimeout: cfg.Extraction.RequestTimeout,
		IdleTimeout:    cfg.Worker.IdleTimeout,
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Named("serve")

	driver := cfg.Database.Driver
	log.Infow("opening database", "driver", driver)
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, driver); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	previews, closePreviews, err := preview.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePreviews(); err != nil {
			log.Warnw("close preview store", "error", err)
		}
	}()

	extractor, err := extract.New(cfg.Extraction)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}
	workers := newManager(cfg, extractor)

	sessions := session.NewService(db, cfg.Server.SessionTTL)
	workspaces := session.NewWorkspaces()
	handler := api.NewHandler(sessions, workspaces, previews, workers, cfg.Server.MaxUploadBytes)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	sessions.StartJanitor(janitorCtx, cfg.Server.JanitorInterval, handler.Reap)

	if logging.Level() != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.Server.Address, "provider", cfg.Extraction.Provider, "preview", cfg.Preview.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	if err := workers.Shutdown(shutdownCtx); err != nil {
		log.Warnw("worker shutdown", "error", err)
	}
	return nil
}
