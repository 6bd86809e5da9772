// Package watch manages Google push-notification channels: creation,
// idempotent stop and periodic renewal ahead of expiry.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/metrics"
	"github.com/anandg3302/Unified-Calendar/internal/retry"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

const (
	DefaultRenewThreshold = 24 * time.Hour
	DefaultRenewInterval  = time.Hour

	// fallbackLifetime is assumed when Google omits an expiration.
	fallbackLifetime = 7 * 24 * time.Hour
	channelType      = "web_hook"
)

// ClientSource yields an authorized Calendar handle for a user.
type ClientSource interface {
	Client(ctx context.Context, userID int64) (google.Calendar, error)
}

type Config struct {
	CalendarID     string
	RenewThreshold time.Duration
	RenewInterval  time.Duration
	// ChannelTTL requests a channel lifetime; zero uses Google's default.
	ChannelTTL time.Duration
	Retry      retry.Policy
}

type Manager struct {
	clients  ClientSource
	channels store.WatchChannelRepository
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewManager(clients ClientSource, channels store.WatchChannelRepository, cfg Config, logger *slog.Logger) *Manager {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.RenewThreshold <= 0 {
		cfg.RenewThreshold = DefaultRenewThreshold
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	return &Manager{
		clients:  clients,
		channels: channels,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create opens a channel delivering to address and persists it.
func (m *Manager) Create(ctx context.Context, userID int64, address string, token *string) (*store.WatchChannel, error) {
	if address == "" {
		return nil, errors.New("webhook address is required")
	}
	cal, err := m.clients.Client(ctx, userID)
	if err != nil {
		return nil, err
	}

	ch, err := m.watch(ctx, cal, userID, address, token)
	if err != nil {
		return nil, err
	}
	if err := m.channels.Create(ctx, *ch); err != nil {
		if serr := cal.Stop(context.WithoutCancel(ctx), ch.ChannelID, ch.ResourceID); serr != nil {
			m.logger.Warn("stopping unpersisted channel failed",
				slog.String("channel_id", ch.ChannelID),
				slog.String("error", serr.Error()),
			)
		}
		return nil, fmt.Errorf("persist watch channel: %w", err)
	}

	m.logger.Info("google watch channel created",
		slog.Int64("user_id", userID),
		slog.String("channel_id", ch.ChannelID),
		slog.String("resource_id", ch.ResourceID),
		slog.Time("expiration", ch.Expiration),
	)
	return ch, nil
}

// watch requests a channel with retry. Each attempt uses a fresh channel id
// so a request that reached Google before failing cannot collide.
func (m *Manager) watch(ctx context.Context, cal google.Calendar, userID int64, address string, token *string) (*store.WatchChannel, error) {
	res, err := retry.Do(ctx, m.policy("watch", userID), func(ctx context.Context) (*calendar.Channel, error) {
		return cal.Watch(ctx, m.cfg.CalendarID, m.channelSpec(address, token))
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiration := now.Add(fallbackLifetime)
	if res.Expiration > 0 {
		expiration = time.UnixMilli(res.Expiration).UTC()
	}
	return &store.WatchChannel{
		ChannelID:  res.Id,
		ResourceID: res.ResourceId,
		UserID:     userID,
		Address:    address,
		Token:      token,
		Expiration: expiration,
		CreatedAt:  now,
	}, nil
}

func (m *Manager) channelSpec(address string, token *string) *calendar.Channel {
	spec := &calendar.Channel{
		Id:      m.newID(),
		Type:    channelType,
		Address: address,
	}
	if token != nil {
		spec.Token = *token
	}
	if m.cfg.ChannelTTL > 0 {
		spec.Params = map[string]string{"ttl": strconv.FormatInt(int64(m.cfg.ChannelTTL/time.Second), 10)}
	}
	return spec
}

// Stop cancels a channel owned by userID and deletes its record. Unknown
// identifiers are not an error and leave storage untouched.
func (m *Manager) Stop(ctx context.Context, userID int64, channelID, resourceID string) error {
	rec, err := m.channels.Get(ctx, channelID, resourceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.stopUnknown(ctx, userID, channelID, resourceID)
		return nil
	case err != nil:
		return fmt.Errorf("load watch channel: %w", err)
	case rec.UserID != userID:
		return nil
	}

	cal, err := m.clients.Client(ctx, userID)
	if err != nil {
		if _, ok := google.AsAuthError(err); !ok {
			return err
		}
		m.logger.Warn("cannot reach google to stop channel, dropping record",
			slog.Int64("user_id", userID),
			slog.String("channel_id", channelID),
		)
	} else if err := m.stopAt(ctx, cal, userID, channelID, resourceID); err != nil {
		return err
	}

	if _, err := m.channels.Delete(ctx, userID, channelID, resourceID); err != nil {
		return fmt.Errorf("delete watch channel: %w", err)
	}
	m.logger.Info("google watch channel stopped",
		slog.Int64("user_id", userID),
		slog.String("channel_id", channelID),
	)
	return nil
}

// stopAt asks Google to cancel a channel. Channels Google no longer knows
// and credential failures count as stopped.
func (m *Manager) stopAt(ctx context.Context, cal google.Calendar, userID int64, channelID, resourceID string) error {
	_, err := retry.Do(ctx, m.policy("stop", userID), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, cal.Stop(ctx, channelID, resourceID)
	})
	if err == nil || errors.Is(err, google.ErrNotFound) {
		return nil
	}
	if _, ok := google.AsAuthError(err); ok {
		return nil
	}
	return err
}

// stopUnknown makes one unretried stop call for a channel with no stored
// record.
func (m *Manager) stopUnknown(ctx context.Context, userID int64, channelID, resourceID string) {
	cal, err := m.clients.Client(ctx, userID)
	if err == nil {
		err = cal.Stop(ctx, channelID, resourceID)
	}
	if err != nil && !errors.Is(err, google.ErrNotFound) {
		m.logger.Debug("best-effort stop of unknown channel failed",
			slog.Int64("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}
}

// Renew replaces a channel with a new one on the same address and token. A
// failed stop of the old channel does not block creating the new one.
func (m *Manager) Renew(ctx context.Context, rec store.WatchChannel) (*store.WatchChannel, error) {
	cal, err := m.clients.Client(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}

	if err := m.stopAt(ctx, cal, rec.UserID, rec.ChannelID, rec.ResourceID); err != nil {
		m.logger.Warn("stopping expiring channel failed, renewing anyway",
			slog.Int64("user_id", rec.UserID),
			slog.String("channel_id", rec.ChannelID),
			slog.String("error", err.Error()),
		)
	}

	next, err := m.watch(ctx, cal, rec.UserID, rec.Address, rec.Token)
	if err != nil {
		return nil, err
	}
	if err := m.channels.Replace(ctx, rec.ChannelID, rec.ResourceID, *next); err != nil {
		_ = m.stopAt(context.WithoutCancel(ctx), cal, rec.UserID, next.ChannelID, next.ResourceID)
		return nil, fmt.Errorf("replace watch channel: %w", err)
	}
	next.CreatedAt = rec.CreatedAt
	return next, nil
}

// Report summarizes one renewal sweep.
type Report struct {
	Scanned int
	Renewed int
	Dropped int
	Failed  int
}

// RenewExpiring renews every channel expiring within the threshold. Each
// channel is handled independently.
func (m *Manager) RenewExpiring(ctx context.Context) (Report, error) {
	var report Report
	cutoff := m.now().Add(m.cfg.RenewThreshold)

	due, err := m.channels.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list expiring channels: %w", err)
	}
	report.Scanned = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		_, err := m.Renew(ctx, rec)
		switch {
		case err == nil:
			report.Renewed++
			metrics.WatchRenewal("renewed")
		case isAuth(err):
			// The account is disconnected; the channel can never be renewed.
			if _, derr := m.channels.Delete(ctx, rec.UserID, rec.ChannelID, rec.ResourceID); derr != nil {
				m.logger.Warn("dropping channel failed", slog.String("channel_id", rec.ChannelID), slog.String("error", derr.Error()))
			}
			report.Dropped++
			metrics.WatchRenewal("dropped")
		default:
			report.Failed++
			metrics.WatchRenewal("failed")
			m.logger.Error("renewing watch channel failed",
				slog.Int64("user_id", rec.UserID),
				slog.String("channel_id", rec.ChannelID),
				slog.String("error", err.Error()),
			)
		}
	}
	return report, nil
}

// Run sweeps immediately and then every RenewInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		report, err := m.RenewExpiring(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("watch renewal sweep failed", slog.String("error", err.Error()))
		} else if report.Scanned > 0 {
			m.logger.Info("watch renewal sweep complete",
				slog.Int("scanned", report.Scanned),
				slog.Int("renewed", report.Renewed),
				slog.Int("dropped", report.Dropped),
				slog.Int("failed", report.Failed),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) policy(op string, userID int64) retry.Policy {
	p := m.cfg.Retry
	p.Retryable = google.IsTransient
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ProviderRetry(op)
		m.logger.Warn("google call failed, retrying",
			slog.String("operation", op),
			slog.Int64("user_id", userID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
	}
	return p
}

func isAuth(err error) bool {
	_, ok := google.AsAuthError(err)
	return ok
}
