// Package syncer reconciles a user's Google calendar into local storage,
// incrementally when a sync cursor is stored and by a bounded time window
// otherwise.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/metrics"
	"github.com/anandg3302/Unified-Calendar/internal/retry"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// DefaultWindow bounds a full fetch when no cursor is stored.
const DefaultWindow = 60 * 24 * time.Hour

// ClientSource yields an authorized Calendar handle for a user. Invalidate
// drops stored credentials that a provider call rejected mid-run.
type ClientSource interface {
	Client(ctx context.Context, userID int64) (google.Calendar, error)
	Invalidate(ctx context.Context, userID int64, err error)
}

// EventWriter applies one page of reconciliation atomically.
type EventWriter interface {
	ApplyChanges(ctx context.Context, changes store.EventChanges) (store.ChangeStats, error)
}

// Guard serializes runs per user. Implementations must tolerate a holder
// that disappears; correctness never depends on the guard.
type Guard interface {
	Acquire(ctx context.Context, userID int64) (bool, error)
	Release(ctx context.Context, userID int64) error
	MarkPending(ctx context.Context, userID int64) error
	TakePending(ctx context.Context, userID int64) (bool, error)
}

type Config struct {
	CalendarID string
	Window     time.Duration
	Retry      retry.Policy
}

// Result summarizes one run.
type Result struct {
	Pages      int  `json:"pages"`
	Created    int  `json:"created"`
	Updated    int  `json:"updated"`
	Upserted   int  `json:"upserted"`
	Deleted    int  `json:"deleted"`
	Skipped    int  `json:"skipped"`
	FullResync bool `json:"full_resync"`
}

type Engine struct {
	clients ClientSource
	events  EventWriter
	states  store.SyncStateRepository
	guard   Guard
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Engine)

// WithGuard enables per-user run serialization.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(clients ClientSource, events EventWriter, states store.SyncStateRepository, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	e := &Engine{
		clients: clients,
		events:  events,
		states:  states,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync runs one reconciliation for the user. An AuthError is returned as is.
// After a failure the stored cursor is left at the last committed value.
func (e *Engine) Sync(ctx context.Context, userID int64) (Result, error) {
	start := time.Now()
	res, err := e.sync(ctx, userID)

	metrics.SyncItems("upsert", res.Upserted)
	metrics.SyncItems("delete", res.Deleted)
	metrics.SyncItems("skip", res.Skipped)

	attrs := []any{
		slog.Int64("user_id", userID),
		slog.Int("pages", res.Pages),
		slog.Int("upserted", res.Upserted),
		slog.Int("deleted", res.Deleted),
		slog.Int("skipped", res.Skipped),
		slog.Bool("full_resync", res.FullResync),
		slog.Duration("elapsed", time.Since(start)),
	}
	switch {
	case err == nil:
		metrics.SyncRun("ok")
		e.logger.Info("google sync complete", attrs...)
	case isAuth(err):
		metrics.SyncRun("auth_error")
		e.logger.Warn("google sync needs re-authentication", append(attrs, slog.String("error", err.Error()))...)
	default:
		metrics.SyncRun("failed")
		e.logger.Error("google sync failed", append(attrs, slog.String("error", err.Error()))...)
	}
	return res, err
}

func (e *Engine) sync(ctx context.Context, userID int64) (Result, error) {
	var res Result

	cal, err := e.clients.Client(ctx, userID)
	if err != nil {
		return res, err
	}

	cursor := ""
	state, err := e.states.Get(ctx, userID, google.Source)
	switch {
	case err == nil:
		cursor = state.Cursor
	case errors.Is(err, store.ErrNotFound):
	default:
		return res, fmt.Errorf("load sync state: %w", err)
	}

	for {
		err := e.fetch(ctx, cal, userID, cursor, &res)
		if err == nil {
			return res, nil
		}
		if isAuth(err) {
			e.clients.Invalidate(context.WithoutCancel(ctx), userID, err)
			return res, err
		}
		if !errors.Is(err, google.ErrInvalidCursor) || res.FullResync {
			return res, err
		}

		e.logger.Info("google sync cursor invalid, restarting with full fetch", slog.Int64("user_id", userID))
		if err := e.states.Clear(ctx, userID, google.Source); err != nil {
			return res, fmt.Errorf("clear sync state: %w", err)
		}
		cursor = ""
		res.FullResync = true
	}
}

// fetch walks every page of one listing. The cursor is only persisted once
// the final page has been applied.
func (e *Engine) fetch(ctx context.Context, cal google.Calendar, userID int64, cursor string, res *Result) error {
	q := google.ListQuery{SyncToken: cursor}
	if cursor == "" {
		q.TimeMin = e.now().Add(-e.cfg.Window)
	}

	for {
		page, err := retry.Do(ctx, e.policy("list", userID), func(ctx context.Context) (*google.EventPage, error) {
			return cal.List(ctx, e.cfg.CalendarID, q)
		})
		if err != nil {
			return err
		}
		res.Pages++

		changes := e.reconcile(userID, page.Items, res)
		stats, err := e.events.ApplyChanges(ctx, changes)
		if err != nil {
			return fmt.Errorf("apply page %d: %w", res.Pages, err)
		}
		res.Created += stats.Created
		res.Updated += stats.Updated
		res.Upserted += stats.Created + stats.Updated
		res.Deleted += stats.Deleted

		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				if err := e.states.Set(ctx, userID, google.Source, page.NextSyncToken); err != nil {
					return fmt.Errorf("save sync state: %w", err)
				}
			}
			return nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (e *Engine) reconcile(userID int64, items []*calendar.Event, res *Result) store.EventChanges {
	changes := store.EventChanges{UserID: userID, Source: google.Source}
	for _, item := range items {
		if item == nil {
			continue
		}
		if google.IsCancelled(item) {
			if item.Id != "" {
				changes.Deletes = append(changes.Deletes, item.Id)
			}
			continue
		}
		ev, err := google.ToEvent(userID, item)
		if err != nil {
			res.Skipped++
			e.logger.Warn("skipping malformed google event",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		changes.Upserts = append(changes.Upserts, ev)
	}
	return changes
}

func (e *Engine) policy(op string, userID int64) retry.Policy {
	p := e.cfg.Retry
	p.Retryable = google.IsTransient
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ProviderRetry(op)
		e.logger.Warn("google call failed, retrying",
			slog.String("operation", op),
			slog.Int64("user_id", userID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
	}
	return p
}

// Trigger runs Sync under the guard when one is configured. A trigger that
// finds a run in flight marks the user pending; the holder runs again for
// every pending mark it observes after releasing. The mark is followed by one
// more acquire attempt because the holder may have released and checked for
// marks before this one landed.
func (e *Engine) Trigger(ctx context.Context, userID int64) error {
	if e.guard == nil {
		_, err := e.Sync(ctx, userID)
		return err
	}

	for {
		held, err := e.guard.Acquire(ctx, userID)
		if err != nil {
			e.logger.Warn("sync guard unavailable, running unguarded",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
			_, err := e.Sync(ctx, userID)
			return err
		}
		if !held {
			if held, err = e.markPending(ctx, userID); err != nil || !held {
				return err
			}
		}

		_, syncErr := e.Sync(ctx, userID)
		if err := e.guard.Release(context.WithoutCancel(ctx), userID); err != nil {
			e.logger.Warn("releasing sync guard failed", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}
		if syncErr != nil {
			return syncErr
		}

		pending, err := e.guard.TakePending(ctx, userID)
		if err != nil || !pending {
			return err
		}
	}
}

// markPending records a missed trigger and reports whether the guard was
// acquired afterwards, in which case the caller owns the run and the mark
// has been consumed.
func (e *Engine) markPending(ctx context.Context, userID int64) (bool, error) {
	if err := e.guard.MarkPending(ctx, userID); err != nil {
		return false, err
	}
	held, err := e.guard.Acquire(ctx, userID)
	if err != nil || !held {
		// The mark is stored; the current holder will pick it up.
		return false, nil
	}
	if _, err := e.guard.TakePending(ctx, userID); err != nil {
		e.logger.Warn("clearing pending sync mark failed", slog.Int64("user_id", userID), slog.String("error", err.Error()))
	}
	return true, nil
}

func isAuth(err error) bool {
	_, ok := google.AsAuthError(err)
	return ok
}
