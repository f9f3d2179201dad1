package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/xss-ctf-backend/internal/challenge"
	"github.com/DoyleJ11/xss-ctf-backend/internal/config"
	"github.com/DoyleJ11/xss-ctf-backend/internal/game"
	"github.com/DoyleJ11/xss-ctf-backend/internal/httpapi"
	"github.com/DoyleJ11/xss-ctf-backend/internal/hub"
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
	"github.com/DoyleJ11/xss-ctf-backend/internal/logging"
	"github.com/DoyleJ11/xss-ctf-backend/internal/session"
	"github.com/DoyleJ11/xss-ctf-backend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := challenge.LoadFile(cfg.ChallengesFile)
	if err != nil {
		return fmt.Errorf("load challenges: %w", err)
	}

	st, err := store.Open(cfg.StoreDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	sessions := session.NewRegistry(st, logger, session.WithTTL(cfg.SessionTTL))
	svc := game.NewService(st, sessions, table, logger, game.WithLeaderboardLimit(cfg.LeaderboardLimit))

	// The hub outlives ctx so it can be shut down after the server stops
	// accepting connections.
	h := hub.NewHub(context.Background(), lobby.Config{
		Auth:      svc,
		Countdown: cfg.LobbyCountdown,
		Logger:    logger,
	})

	router := httpapi.SetupRoutes(httpapi.Deps{
		Game:           svc,
		Hub:            h,
		Logger:         logger,
		CookieName:     cfg.SessionCookie,
		SecureCookie:   cfg.Production(),
		FrontendOrigin: cfg.FrontendOrigin,
		StoreDriver:    cfg.StoreDriver,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreDriver),
			zap.Int("levels", table.Levels()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sessions.Sweep(gctx, cfg.SessionSweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(sctx),
			h.Shutdown(sctx),
		)
	})

	return g.Wait()
}
