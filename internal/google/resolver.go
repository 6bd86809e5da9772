package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// calendarScopes are the grants that allow reading events and watching them.
var calendarScopes = []string{
	calendar.CalendarScope,
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
	calendar.CalendarEventsReadonlyScope,
}

// OAuthConfig builds the web-flow OAuth client for Google.
func OAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     googleoauth.Endpoint,
	}
}

// Credentials is the stored half of a user's calendar link.
type Credentials struct {
	RefreshToken string
	Scopes       []string
}

// HasCalendarScope reports whether any granted scope permits calendar reads.
func HasCalendarScope(scopes []string) bool {
	for _, s := range scopes {
		if slices.Contains(calendarScopes, s) {
			return true
		}
	}
	return false
}

type ResolverConfig struct {
	OAuth         *oauth2.Config
	DefaultScopes []string
	CallTimeout   time.Duration
	// Endpoint overrides the Calendar API base path.
	Endpoint string
}

// Resolver turns stored credentials into an authorized Calendar handle. The
// refreshed access token is kept only in memory for the handle's lifetime.
type Resolver struct {
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve refreshes the access token and returns a handle. It fails with an
// AuthError when no refresh token is stored, the scope set is insufficient
// or Google rejects the refresh token.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Calendar, error) {
	if creds.RefreshToken == "" {
		return nil, &AuthError{Reason: ReasonNotConnected}
	}
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = r.cfg.DefaultScopes
	}
	if !HasCalendarScope(scopes) {
		return nil, &AuthError{Reason: ReasonInsufficientScope}
	}

	ts := r.cfg.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		wrapped := fmt.Errorf("refresh google token: %w", err)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, refreshFailure(re, wrapped)
		}
		return nil, &TransientError{Err: wrapped}
	}

	httpClient := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if r.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(r.cfg.Endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return NewCalendar(svc, r.cfg.CallTimeout), nil
}

// CredentialResolver is satisfied by Resolver.
type CredentialResolver interface {
	Resolve(ctx context.Context, creds Credentials) (Calendar, error)
}

// CredentialStore is the subset of the user repository the Connector needs.
type CredentialStore interface {
	GetByID(ctx context.Context, id int64) (*store.User, error)
	ClearGoogleCredentials(ctx context.Context, id int64) error
}

// Connector resolves a user id to a Calendar handle. Revoked or
// insufficiently scoped credentials are cleared so the user is asked to
// reconnect instead of being retried silently.
type Connector struct {
	users    CredentialStore
	resolver CredentialResolver
	logger   *slog.Logger
}

func NewConnector(users CredentialStore, resolver CredentialResolver, logger *slog.Logger) *Connector {
	return &Connector{users: users, resolver: resolver, logger: logger}
}

func (c *Connector) Client(ctx context.Context, userID int64) (Calendar, error) {
	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	creds := Credentials{Scopes: user.GoogleScopes}
	if user.GoogleRefreshToken != nil {
		creds.RefreshToken = *user.GoogleRefreshToken
	}

	cal, err := c.resolver.Resolve(ctx, creds)
	if err == nil {
		return cal, nil
	}

	c.Invalidate(ctx, userID, err)
	return nil, err
}

// Invalidate clears the user's stored credentials when err shows Google no
// longer honours them. Other errors are ignored.
func (c *Connector) Invalidate(ctx context.Context, userID int64, err error) {
	ae, ok := AsAuthError(err)
	if !ok || ae.Reason == ReasonNotConnected {
		return
	}
	if cerr := c.users.ClearGoogleCredentials(ctx, userID); cerr != nil {
		c.logger.Error("clearing google credentials failed",
			slog.Int64("user_id", userID),
			slog.String("error", cerr.Error()),
		)
		return
	}
	c.logger.Warn("google credentials cleared",
		slog.Int64("user_id", userID),
		slog.String("reason", string(ae.Reason)),
	)
}
