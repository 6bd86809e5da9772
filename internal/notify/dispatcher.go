// Package notify turns Google push notifications into background sync runs.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anandg3302/Unified-Calendar/internal/metrics"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// Outcome is reported back to Google in the acknowledgment body.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeIgnored Outcome = "ignored"
)

// stateSync is the handshake Google sends right after a channel is created.
const stateSync = "sync"

// Notification carries the X-Goog-* headers of one push.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	Token         string
	MessageNumber string
}

type ChannelLookup interface {
	Get(ctx context.Context, channelID, resourceID string) (*store.WatchChannel, error)
}

type Syncer interface {
	Trigger(ctx context.Context, userID int64) error
}

type Config struct {
	MaxConcurrent int64
	RunTimeout    time.Duration
}

// Dispatcher acknowledges notifications immediately and runs the triggered
// syncs in the background, at most MaxConcurrent at a time.
type Dispatcher struct {
	channels ChannelLookup
	syncer   Syncer
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(channels ChannelLookup, syncer Syncer, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		channels: channels,
		syncer:   syncer,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout:  cfg.RunTimeout,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Dispatch resolves the notification to its owning user and schedules a
// sync. Unknown channels and token mismatches are ignored, never errors.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) Outcome {
	if n.ChannelID == "" || n.ResourceID == "" {
		metrics.Notification("malformed")
		return OutcomeIgnored
	}

	ch, err := d.channels.Get(ctx, n.ChannelID, n.ResourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.Notification("unknown_channel")
			d.logger.Debug("notification for unknown channel",
				slog.String("channel_id", n.ChannelID),
				slog.String("resource_id", n.ResourceID),
			)
		} else {
			metrics.Notification("lookup_failed")
			d.logger.Error("looking up notification channel failed",
				slog.String("channel_id", n.ChannelID),
				slog.String("error", err.Error()),
			)
		}
		return OutcomeIgnored
	}

	if ch.Token != nil && *ch.Token != n.Token {
		metrics.Notification("token_mismatch")
		d.logger.Warn("notification token mismatch", slog.String("channel_id", n.ChannelID))
		return OutcomeIgnored
	}

	if n.ResourceState == stateSync {
		metrics.Notification("handshake")
		return OutcomeOK
	}

	metrics.Notification("scheduled")
	d.schedule(ch.UserID, n)
	return OutcomeOK
}

func (d *Dispatcher) schedule(userID int64, n Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(d.base, d.timeout)
		defer cancel()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Warn("notification sync abandoned", slog.Int64("user_id", userID), slog.String("error", err.Error()))
			return
		}
		defer d.sem.Release(1)

		d.logger.Debug("notification sync started",
			slog.Int64("user_id", userID),
			slog.String("channel_id", n.ChannelID),
			slog.String("state", n.ResourceState),
			slog.String("message_number", n.MessageNumber),
		)
		if err := d.syncer.Trigger(ctx, userID); err != nil {
			d.logger.Warn("notification sync failed", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}
	}()
}

// Shutdown waits for scheduled runs. When ctx ends first the remaining runs
// are cancelled; their cursors resume on the next trigger.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
