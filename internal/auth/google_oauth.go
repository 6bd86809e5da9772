package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// GoogleIssuer is the OIDC issuer of Google ID tokens.
const GoogleIssuer = "https://accounts.google.com"

// LoginScopes are requested in addition to the calendar scopes.
var LoginScopes = []string{oidc.ScopeOpenID, "email", "profile"}

var ErrInvalidState = errors.New("invalid or expired oauth state")

// StateStore keeps login state values until they are consumed once.
type StateStore interface {
	Put(ctx context.Context, state, value string) error
	Consume(ctx context.Context, state string) (string, error)
}

// IDTokenVerifier is satisfied by *oidc.IDTokenVerifier.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewGoogleVerifier discovers Google's signing keys.
func NewGoogleVerifier(ctx context.Context, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("discover google oidc provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// GoogleOAuth links a Google account to a local user. Login state lives in
// the StateStore, so any instance can complete a flow another one started.
type GoogleOAuth struct {
	oauth    *oauth2.Config
	states   StateStore
	verifier IDTokenVerifier
	users    store.UserRepository
	service  *Service
	logger   *slog.Logger
	now      func() time.Time
}

func NewGoogleOAuth(cfg *oauth2.Config, states StateStore, verifier IDTokenVerifier, users store.UserRepository, service *Service, logger *slog.Logger) *GoogleOAuth {
	scopes := append([]string(nil), cfg.Scopes...)
	for _, s := range LoginScopes {
		if !containsScope(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	oauthCfg := *cfg
	oauthCfg.Scopes = scopes

	return &GoogleOAuth{
		oauth:    &oauthCfg,
		states:   states,
		verifier: verifier,
		users:    users,
		service:  service,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginLogin records a fresh state and returns Google's consent URL.
func (g *GoogleOAuth) BeginLogin(ctx context.Context) (string, error) {
	state := uuid.NewString()
	nonce := uuid.NewString()
	if err := g.states.Put(ctx, state, nonce); err != nil {
		return "", err
	}
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oidc.Nonce(nonce),
	), nil
}

// LoginResult is the outcome of a completed Google login.
type LoginResult struct {
	User  *store.User
	Token string
}

// Complete consumes the state, exchanges the code and stores the refresh
// token and granted scopes on the matching user, creating it if needed.
func (g *GoogleOAuth) Complete(ctx context.Context, code, state string) (*LoginResult, error) {
	nonce, err := g.states.Consume(ctx, state)
	if err != nil {
		return nil, ErrInvalidState
	}
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := g.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, errors.New("id token nonce mismatch")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, errors.New("could not get email from google")
	}
	name := claims.Name
	if name == "" {
		name, _, _ = strings.Cut(claims.Email, "@")
	}

	user, err := g.users.UpsertByEmail(ctx, normalizeEmail(claims.Email), name)
	if err != nil {
		return nil, err
	}

	scopes := grantedScopes(tok, g.oauth.Scopes)
	if err := g.users.SetGoogleCredentials(ctx, user.ID, tok.RefreshToken, scopes, g.now()); err != nil {
		return nil, fmt.Errorf("store google credentials: %w", err)
	}
	if tok.RefreshToken == "" {
		g.logger.Warn("google returned no refresh token, keeping stored one", slog.Int64("user_id", user.ID))
	}

	token, err := g.service.IssueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Token: token}, nil
}

// grantedScopes reads the space separated scope field of the token response
// and falls back to the requested scopes.
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if raw, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		return strings.Fields(raw)
	}
	return append([]string(nil), requested...)
}

func containsScope(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}
