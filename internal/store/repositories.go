package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, email, name string, passwordHash *string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpsertByEmail(ctx context.Context, email, name string) (*User, error)
	SetGoogleCredentials(ctx context.Context, id int64, refreshToken string, scopes []string, refreshedAt time.Time) error
	ClearGoogleCredentials(ctx context.Context, id int64) error
}

// EventRepository handles unified event storage.
type EventRepository interface {
	Create(ctx context.Context, event Event) (*Event, error)
	GetByID(ctx context.Context, userID, id int64) (*Event, error)
	Update(ctx context.Context, event Event) (*Event, error)
	Delete(ctx context.Context, userID, id int64) error
	ListByUser(ctx context.Context, userID int64) ([]Event, error)
	UpsertExternal(ctx context.Context, event Event) (*Event, error)
	DeleteExternal(ctx context.Context, userID int64, source, externalID string) (bool, error)
	ApplyChanges(ctx context.Context, changes EventChanges) (ChangeStats, error)
}

// WatchChannelRepository persists push subscriptions.
type WatchChannelRepository interface {
	Create(ctx context.Context, ch WatchChannel) error
	Get(ctx context.Context, channelID, resourceID string) (*WatchChannel, error)
	ListByUser(ctx context.Context, userID int64) ([]WatchChannel, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]WatchChannel, error)
	Replace(ctx context.Context, oldChannelID, oldResourceID string, next WatchChannel) error
	Delete(ctx context.Context, userID int64, channelID, resourceID string) (bool, error)
}

// SyncStateRepository persists continuation cursors.
type SyncStateRepository interface {
	Get(ctx context.Context, userID int64, provider string) (*SyncState, error)
	Set(ctx context.Context, userID int64, provider, cursor string) error
	Clear(ctx context.Context, userID int64, provider string) error
}
