// Package server assembles the feed server process: database, hub,
// save worker and HTTP routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"naskahsync/config"
	"naskahsync/config/database"
	"naskahsync/internal/document/repository"
	"naskahsync/pkg/logger"
	"naskahsync/router"
	"naskahsync/socket"
)

const shutdownTimeout = 5 * time.Second

// Run serves until ctx is done. Without a DatabaseURL documents live in
// memory and the REST API is off.
func Run(ctx context.Context, cfg config.Config) error {
	var repo *repository.DocumentRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = repository.NewDocumentRepository(db)
	} else {
		logger.Sugar.Warn("DATABASE_URL not set, documents are kept in memory only")
	}
	if cfg.JWTSecret == "" {
		logger.Sugar.Warn("SUPABASE_JWT_SECRET not set, every connection will be rejected")
	}

	hub := socket.NewHub(repo, clockwork.NewRealClock(), cfg.SaveInterval)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Setup(repo, hub, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		hub.SaveWorker(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Sugar.Infof("Go Backend listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
