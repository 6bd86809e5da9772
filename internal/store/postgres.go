package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// userRepo implements UserRepository.
type userRepo struct {
	pool PgxPool
}

const userColumns = `id, email, name, password_hash, google_refresh_token, google_scopes, google_token_refreshed_at, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.GoogleRefreshToken, &u.GoogleScopes, &u.GoogleTokenRefreshedAt, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, email, name string, passwordHash *string) (*User, error) {
	defer observeDB(ctx, "users.create")()
	const q = `INSERT INTO users (email, name, password_hash) VALUES ($1, $2, $3) RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.TrimSpace(email), name, passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get_by_id")()
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, err
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.get_by_email")()
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, err
}

func (r *userRepo) UpsertByEmail(ctx context.Context, email, name string) (*User, error) {
	defer observeDB(ctx, "users.upsert_by_email")()
	const q = `INSERT INTO users (email, name) VALUES ($1, $2)
ON CONFLICT ((LOWER(email))) DO UPDATE SET name = COALESCE(NULLIF(users.name, ''), EXCLUDED.name)
RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.TrimSpace(email), name))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// SetGoogleCredentials stores the OAuth link. An empty refresh token keeps the
// stored one, since Google only returns it on the first consent.
func (r *userRepo) SetGoogleCredentials(ctx context.Context, id int64, refreshToken string, scopes []string, refreshedAt time.Time) error {
	defer observeDB(ctx, "users.set_google_credentials")()
	const q = `UPDATE users SET
    google_refresh_token = COALESCE(NULLIF($2, ''), google_refresh_token),
    google_scopes = $3,
    google_token_refreshed_at = $4
WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, refreshToken, scopes, refreshedAt)
	if err != nil {
		return fmt.Errorf("set google credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) ClearGoogleCredentials(ctx context.Context, id int64) error {
	defer observeDB(ctx, "users.clear_google_credentials")()
	const q = `UPDATE users SET google_refresh_token = NULL, google_scopes = NULL, google_token_refreshed_at = NULL WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("clear google credentials: %w", err)
	}
	return nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool PgxPool
}

const eventColumns = `id, user_id, title, description, start_time, end_time, all_day, location, calendar_source, external_id, is_invite, invite_status, created_at, updated_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.AllDay,
		&e.Location, &e.CalendarSource, &e.ExternalID, &e.IsInvite, &e.InviteStatus, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *eventRepo) Create(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.create")()
	if event.CalendarSource == "" {
		event.CalendarSource = SourceLocal
	}
	const q = `INSERT INTO events (user_id, title, description, start_time, end_time, all_day, location, calendar_source, external_id, is_invite, invite_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + eventColumns
	e, err := scanEvent(r.pool.QueryRow(ctx, q, event.UserID, event.Title, event.Description, event.StartTime, event.EndTime,
		event.AllDay, event.Location, event.CalendarSource, event.ExternalID, event.IsInvite, event.InviteStatus))
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return e, nil
}

func (r *eventRepo) GetByID(ctx context.Context, userID, id int64) (*Event, error) {
	defer observeDB(ctx, "events.get_by_id")()
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, err
}

func (r *eventRepo) Update(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.update")()
	const q = `UPDATE events SET title=$3, description=$4, start_time=$5, end_time=$6, all_day=$7, location=$8, updated_at=NOW()
WHERE id=$1 AND user_id=$2
RETURNING ` + eventColumns
	e, err := scanEvent(r.pool.QueryRow(ctx, q, event.ID, event.UserID, event.Title, event.Description,
		event.StartTime, event.EndTime, event.AllDay, event.Location))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("update event %d: %w", event.ID, err)
	}
	return e, err
}

func (r *eventRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "events.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) ListByUser(ctx context.Context, userID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id=$1 ORDER BY start_time, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// execer is satisfied by both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertExternalSQL = `INSERT INTO events (user_id, title, description, start_time, end_time, all_day, location, calendar_source, external_id, is_invite, invite_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, calendar_source, external_id) WHERE external_id IS NOT NULL
DO UPDATE SET title = EXCLUDED.title,
    description = EXCLUDED.description,
    start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    all_day = EXCLUDED.all_day,
    location = EXCLUDED.location,
    is_invite = EXCLUDED.is_invite,
    invite_status = EXCLUDED.invite_status,
    updated_at = NOW()`

const deleteExternalSQL = `DELETE FROM events WHERE user_id=$1 AND calendar_source=$2 AND external_id=$3`

func upsertArgs(e Event) []any {
	return []any{e.UserID, e.Title, e.Description, e.StartTime, e.EndTime, e.AllDay, e.Location,
		e.CalendarSource, e.ExternalID, e.IsInvite, e.InviteStatus}
}

func (r *eventRepo) UpsertExternal(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.upsert_external")()
	if event.ExternalID == nil || *event.ExternalID == "" {
		return nil, errors.New("upsert external event: external id is required")
	}
	e, err := scanEvent(r.pool.QueryRow(ctx, upsertExternalSQL+"\nRETURNING "+eventColumns, upsertArgs(event)...))
	if err != nil {
		return nil, fmt.Errorf("upsert external event: %w", err)
	}
	return e, nil
}

func (r *eventRepo) DeleteExternal(ctx context.Context, userID int64, source, externalID string) (bool, error) {
	defer observeDB(ctx, "events.delete_external")()
	tag, err := r.pool.Exec(ctx, deleteExternalSQL, userID, source, externalID)
	if err != nil {
		return false, fmt.Errorf("delete external event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyChanges commits one page of upserts and deletes in a single
// transaction. Deleting an unknown external id is a no-op.
func (r *eventRepo) ApplyChanges(ctx context.Context, changes EventChanges) (ChangeStats, error) {
	defer observeDB(ctx, "events.apply_changes")()
	var stats ChangeStats
	if len(changes.Upserts) == 0 && len(changes.Deletes) == 0 {
		return stats, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, fmt.Errorf("begin apply changes: %w", err)
	}

	if err := applyChanges(ctx, tx, changes, &stats); err != nil {
		_ = tx.Rollback(ctx)
		return ChangeStats{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ChangeStats{}, fmt.Errorf("commit apply changes: %w", err)
	}
	return stats, nil
}

func applyChanges(ctx context.Context, tx execer, changes EventChanges, stats *ChangeStats) error {
	for _, e := range changes.Upserts {
		e.UserID = changes.UserID
		e.CalendarSource = changes.Source
		if e.ExternalID == nil || *e.ExternalID == "" {
			return errors.New("apply changes: upsert without external id")
		}
		var inserted bool
		if err := tx.QueryRow(ctx, upsertExternalSQL+"\nRETURNING (xmax = 0)", upsertArgs(e)...).Scan(&inserted); err != nil {
			return fmt.Errorf("upsert %s: %w", *e.ExternalID, err)
		}
		if inserted {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	for _, id := range changes.Deletes {
		tag, err := tx.Exec(ctx, deleteExternalSQL, changes.UserID, changes.Source, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		stats.Deleted += int(tag.RowsAffected())
	}
	return nil
}

// watchChannelRepo implements WatchChannelRepository.
type watchChannelRepo struct {
	pool PgxPool
}

const watchColumns = `channel_id, resource_id, user_id, address, token, expiration, created_at`

func scanWatch(row pgx.Row) (*WatchChannel, error) {
	var ch WatchChannel
	if err := row.Scan(&ch.ChannelID, &ch.ResourceID, &ch.UserID, &ch.Address, &ch.Token, &ch.Expiration, &ch.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (r *watchChannelRepo) Create(ctx context.Context, ch WatchChannel) error {
	defer observeDB(ctx, "watch_channels.create")()
	const q = `INSERT INTO google_watch_channels (channel_id, resource_id, user_id, address, token, expiration)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (channel_id, resource_id) DO UPDATE SET address = EXCLUDED.address, token = EXCLUDED.token, expiration = EXCLUDED.expiration`
	if _, err := r.pool.Exec(ctx, q, ch.ChannelID, ch.ResourceID, ch.UserID, ch.Address, ch.Token, ch.Expiration); err != nil {
		return fmt.Errorf("create watch channel: %w", err)
	}
	return nil
}

func (r *watchChannelRepo) Get(ctx context.Context, channelID, resourceID string) (*WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.get")()
	ch, err := scanWatch(r.pool.QueryRow(ctx, `SELECT `+watchColumns+` FROM google_watch_channels WHERE channel_id=$1 AND resource_id=$2`, channelID, resourceID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get watch channel: %w", err)
	}
	return ch, err
}

func (r *watchChannelRepo) list(ctx context.Context, q string, args ...any) ([]WatchChannel, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list watch channels: %w", err)
	}
	defer rows.Close()

	var channels []WatchChannel
	for rows.Next() {
		ch, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (r *watchChannelRepo) ListByUser(ctx context.Context, userID int64) ([]WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.list_by_user")()
	return r.list(ctx, `SELECT `+watchColumns+` FROM google_watch_channels WHERE user_id=$1 ORDER BY expiration`, userID)
}

func (r *watchChannelRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.list_expiring")()
	return r.list(ctx, `SELECT `+watchColumns+` FROM google_watch_channels WHERE expiration < $1 ORDER BY expiration`, cutoff)
}

// Replace swaps the provider identifiers and expiration of an existing
// record, keeping its owner, address and token.
func (r *watchChannelRepo) Replace(ctx context.Context, oldChannelID, oldResourceID string, next WatchChannel) error {
	defer observeDB(ctx, "watch_channels.replace")()
	const q = `UPDATE google_watch_channels SET channel_id=$3, resource_id=$4, expiration=$5
WHERE channel_id=$1 AND resource_id=$2`
	tag, err := r.pool.Exec(ctx, q, oldChannelID, oldResourceID, next.ChannelID, next.ResourceID, next.Expiration)
	if err != nil {
		return fmt.Errorf("replace watch channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *watchChannelRepo) Delete(ctx context.Context, userID int64, channelID, resourceID string) (bool, error) {
	defer observeDB(ctx, "watch_channels.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM google_watch_channels WHERE channel_id=$1 AND resource_id=$2 AND user_id=$3`, channelID, resourceID, userID)
	if err != nil {
		return false, fmt.Errorf("delete watch channel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// syncStateRepo implements SyncStateRepository.
type syncStateRepo struct {
	pool PgxPool
}

func (r *syncStateRepo) Get(ctx context.Context, userID int64, provider string) (*SyncState, error) {
	defer observeDB(ctx, "sync_state.get")()
	var s SyncState
	err := r.pool.QueryRow(ctx, `SELECT user_id, provider, cursor, updated_at FROM google_sync_state WHERE user_id=$1 AND provider=$2`, userID, provider).
		Scan(&s.UserID, &s.Provider, &s.Cursor, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return &s, nil
}

func (r *syncStateRepo) Set(ctx context.Context, userID int64, provider, cursor string) error {
	defer observeDB(ctx, "sync_state.set")()
	if cursor == "" {
		return errors.New("set sync state: empty cursor")
	}
	const q = `INSERT INTO google_sync_state (user_id, provider, cursor, updated_at) VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id, provider) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, userID, provider, cursor); err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

func (r *syncStateRepo) Clear(ctx context.Context, userID int64, provider string) error {
	defer observeDB(ctx, "sync_state.clear")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM google_sync_state WHERE user_id=$1 AND provider=$2`, userID, provider); err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}
