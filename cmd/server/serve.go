package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/chat"
	"github.com/fullwhere/rag-web-ui/internal/handlers"
	"github.com/fullwhere/rag-web-ui/internal/services"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serve(ctx context.Context) error {
	logger := a.logger

	rag := services.NewRAG(a.cfg.QueryURL, a.cfg.IngestURL, a.cfg.RequestTimeout, logger)

	regOpts := chat.RegistryOptions{
		TTL:    a.cfg.SessionTTL,
		Logger: logger,
	}
	if a.cfg.ArchivePath != "" {
		boltDB, err := services.NewBoltDB(a.cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer boltDB.Close()
		regOpts.Archiver = boltDB
		logger.Info("Archiving transcripts", slog.String("path", a.cfg.ArchivePath))
	}

	reg := chat.NewRegistry(rag, regOpts)
	if err := reg.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	defer reg.Close()

	m, err := handlers.NewMain(reg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown event stream", slog.String("err", err.Error()))
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting",
			slog.String("port", a.cfg.Port),
			slog.String("queryURL", a.cfg.QueryURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped", slog.String("err", err.Error()))
		return err
	}

	logger.Info("Server stopped")
	return nil
}
