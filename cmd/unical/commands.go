package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/anandg3302/Unified-Calendar/internal/api"
	"github.com/anandg3302/Unified-Calendar/internal/auth"
	"github.com/anandg3302/Unified-Calendar/internal/cache"
	httpserver "github.com/anandg3302/Unified-Calendar/internal/http"
	"github.com/anandg3302/Unified-Calendar/internal/notify"
	"github.com/anandg3302/Unified-Calendar/internal/store"
	"github.com/anandg3302/Unified-Calendar/internal/syncer"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the watch renewal loop.",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if _, err := store.ApplyMigrations(ctx, a.pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	rdb, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	engine := a.engine(syncer.WithGuard(cache.NewSyncGuard(rdb, cfg.Sync.RunTimeout)))
	watches := a.watches()
	dispatcher := notify.NewDispatcher(a.store.WatchChannels, engine, notify.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		RunTimeout:    cfg.Sync.RunTimeout,
	}, logger.With(slog.String("component", "notify")))

	authService := auth.NewService(a.store.Users, auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.TTL))
	deps := api.Deps{
		Accounts: authService,
		Events:   a.store.Events,
		Clients:  a.connector,
		Syncer:   engine,
		Watches:  watches,
		Notifier: dispatcher,
		Config: api.Config{
			CalendarID:       cfg.Google.CalendarID,
			Window:           cfg.Sync.Window,
			FrontendRedirect: cfg.FrontendRedirect,
		},
		Logger: logger,
	}
	if cfg.GoogleEnabled() {
		verifier, err := auth.NewGoogleVerifier(ctx, cfg.Google.ClientID)
		if err != nil {
			return err
		}
		deps.Google = auth.NewGoogleOAuth(a.oauth, cache.NewStateStore(rdb, cfg.Google.StateTTL), verifier, a.store.Users, authService, logger)
	} else {
		logger.Warn("GOOGLE_CLIENT_ID not set, google login disabled")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpserver.NewRouter(ctx, cfg, a.store, authService.RequireBearer, api.New(deps), logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return watches.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("abandoned in-flight syncs", slog.String("error", err.Error()))
		}
		return nil
	})
	return g.Wait()
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations.",
		Action: func(c *cli.Context) error {
			a, err := newApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := store.ApplyMigrations(c.Context, a.pool)
			if err != nil {
				return err
			}
			a.logger.Info("migrations applied", slog.Any("versions", applied))
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one Google sync for a user.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Usage: "User id to sync.", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine().Sync(c.Context, c.Int64("user"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "pages=%d upserted=%d deleted=%d skipped=%d full_resync=%t\n",
				res.Pages, res.Upserted, res.Deleted, res.Skipped, res.FullResync)
			return nil
		},
	}
}

func renewCommand() *cli.Command {
	return &cli.Command{
		Name:  "renew",
		Usage: "Renew watch channels that are close to expiry, once.",
		Action: func(c *cli.Context) error {
			a, err := newApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.watches().RenewExpiring(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "scanned=%d renewed=%d dropped=%d failed=%d\n",
				report.Scanned, report.Renewed, report.Dropped, report.Failed)
			return nil
		},
	}
}
