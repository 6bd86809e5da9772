package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

// Service implements password accounts and bearer authentication.
type Service struct {
	users  store.UserRepository
	tokens *TokenIssuer
}

func NewService(users store.UserRepository, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

// Register creates a password account and returns it with a bearer token.
func (s *Service) Register(ctx context.Context, email, password, name string) (*store.User, string, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.Create(ctx, normalizeEmail(email), strings.TrimSpace(name), &hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies a password and returns the user with a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (*store.User, string, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if user.PasswordHash == nil || !CheckPassword(*user.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs a bearer token for an already authenticated user.
func (s *Service) IssueToken(userID int64) (string, error) {
	return s.tokens.Issue(userID)
}

// RequireBearer resolves the Authorization header to a user and stores it in
// the request context.
func (s *Service) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httperrors.Error(w, r, http.StatusUnauthorized, "not authenticated")
			return
		}

		userID, err := s.tokens.Parse(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			httperrors.Error(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		user, err := s.users.GetByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httperrors.Error(w, r, http.StatusUnauthorized, "user not found")
				return
			}
			httperrors.InternalError(w, r, err, "load authenticated user")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
