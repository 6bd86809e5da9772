package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/anandg3302/Unified-Calendar/internal/config"
	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/logging"
	"github.com/anandg3302/Unified-Calendar/internal/retry"
	"github.com/anandg3302/Unified-Calendar/internal/store"
	"github.com/anandg3302/Unified-Calendar/internal/syncer"
	"github.com/anandg3302/Unified-Calendar/internal/watch"
)

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	pool      *pgxpool.Pool
	store     *store.Store
	oauth     *oauth2.Config
	connector *google.Connector
	retry     retry.Policy
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	st := store.New(pool)

	oauthCfg := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, cfg.Google.Scopes)
	resolver := google.NewResolver(google.ResolverConfig{
		OAuth:         oauthCfg,
		DefaultScopes: config.DefaultGoogleScopes,
		CallTimeout:   cfg.Google.CallTimeout,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		store:     st,
		oauth:     oauthCfg,
		connector: google.NewConnector(st.Users, resolver, logger),
		retry: retry.Policy{
			Initial:  cfg.Retry.Initial,
			Max:      cfg.Retry.Max,
			Attempts: cfg.Retry.Attempts,
		},
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func (a *app) engine(opts ...syncer.Option) *syncer.Engine {
	return syncer.NewEngine(a.connector, a.store.Events, a.store.SyncStates, syncer.Config{
		CalendarID: a.cfg.Google.CalendarID,
		Window:     a.cfg.Sync.Window,
		Retry:      a.retry,
	}, a.logger.With(slog.String("component", "syncer")), opts...)
}

func (a *app) watches() *watch.Manager {
	return watch.NewManager(a.connector, a.store.WatchChannels, watch.Config{
		CalendarID:     a.cfg.Google.CalendarID,
		RenewThreshold: a.cfg.Watch.RenewThreshold,
		RenewInterval:  a.cfg.Watch.RenewInterval,
		ChannelTTL:     a.cfg.Watch.ChannelTTL,
		Retry:          a.retry,
	}, a.logger.With(slog.String("component", "watch")))
}
