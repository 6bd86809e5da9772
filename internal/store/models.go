package store

import "time"

// SourceLocal tags events created directly in this service.
const SourceLocal = "local"

// User is an account holder. The Google fields form the per-user calendar
// link: present while the account is connected, cleared on revocation.
type User struct {
	ID                     int64
	Email                  string
	Name                   string
	PasswordHash           *string
	GoogleRefreshToken     *string
	GoogleScopes           []string
	GoogleTokenRefreshedAt *time.Time
	CreatedAt              time.Time
}

// GoogleConnected reports whether a refresh token is stored.
func (u *User) GoogleConnected() bool {
	return u.GoogleRefreshToken != nil && *u.GoogleRefreshToken != ""
}

// Event is the unified projection of a local or provider event. Provider
// events are unique per (UserID, CalendarSource, ExternalID).
type Event struct {
	ID             int64
	UserID         int64
	Title          string
	Description    *string
	StartTime      time.Time
	EndTime        time.Time
	AllDay         bool
	Location       *string
	CalendarSource string
	ExternalID     *string
	IsInvite       bool
	InviteStatus   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WatchChannel is an active push-notification subscription.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	UserID     int64
	Address    string
	Token      *string
	Expiration time.Time
	CreatedAt  time.Time
}

// SyncState holds the provider continuation cursor for one user.
type SyncState struct {
	UserID    int64
	Provider  string
	Cursor    string
	UpdatedAt time.Time
}

// EventChanges is one page of provider reconciliation, applied atomically.
type EventChanges struct {
	UserID  int64
	Source  string
	Upserts []Event
	Deletes []string
}

// ChangeStats reports what ApplyChanges did.
type ChangeStats struct {
	Created int
	Updated int
	Deleted int
}
