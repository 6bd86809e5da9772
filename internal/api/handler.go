// Package api implements the JSON HTTP surface of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/anandg3302/Unified-Calendar/internal/auth"
	"github.com/anandg3302/Unified-Calendar/internal/google"
	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/notify"
	"github.com/anandg3302/Unified-Calendar/internal/store"
	"github.com/anandg3302/Unified-Calendar/internal/syncer"
)

const maxBodyBytes = 1 << 20

type Accounts interface {
	Register(ctx context.Context, email, password, name string) (*store.User, string, error)
	Login(ctx context.Context, email, password string) (*store.User, string, error)
}

// GoogleLogin drives the OAuth connect flow. It is nil when Google
// credentials are not configured.
type GoogleLogin interface {
	BeginLogin(ctx context.Context) (string, error)
	Complete(ctx context.Context, code, state string) (*auth.LoginResult, error)
}

type ClientSource interface {
	Client(ctx context.Context, userID int64) (google.Calendar, error)
}

type Syncer interface {
	Sync(ctx context.Context, userID int64) (syncer.Result, error)
}

type Watches interface {
	Create(ctx context.Context, userID int64, address string, token *string) (*store.WatchChannel, error)
	Stop(ctx context.Context, userID int64, channelID, resourceID string) error
}

type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification) notify.Outcome
}

type Config struct {
	CalendarID       string
	Window           time.Duration
	FrontendRedirect string
}

type Deps struct {
	Accounts Accounts
	Google   GoogleLogin
	Events   store.EventRepository
	Clients  ClientSource
	Syncer   Syncer
	Watches  Watches
	Notifier Notifier
	Config   Config
	Logger   *slog.Logger
}

type Handler struct {
	accounts Accounts
	google   GoogleLogin
	events   store.EventRepository
	clients  ClientSource
	syncer   Syncer
	watches  Watches
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(d Deps) *Handler {
	cfg := d.Config
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Window <= 0 {
		cfg.Window = syncer.DefaultWindow
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accounts: d.Accounts,
		google:   d.Google,
		events:   d.Events,
		clients:  d.Clients,
		syncer:   d.Syncer,
		watches:  d.Watches,
		notifier: d.Notifier,
		cfg:      cfg,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it, writing a 400 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httperrors.Error(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "gtefield":
		return fmt.Sprintf("%s must not be before the start time", fe.Field())
	case "startswith":
		return fmt.Sprintf("%s must start with %s", fe.Field(), fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s must have %s length %s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}

func currentUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httperrors.Error(w, r, http.StatusUnauthorized, "not authenticated")
	}
	return user, ok
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httperrors.Error(w, r, http.StatusNotFound, "event not found")
		return 0, false
	}
	return id, true
}

// providerError renders an error from a Google-backed operation. An
// AuthError becomes 409 with an explicit re-authentication signal.
func (h *Handler) providerError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if ae, ok := google.AsAuthError(err); ok {
		httperrors.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":           ae.Error(),
			"reason":          string(ae.Reason),
			"reauth_required": true,
		})
		return
	}
	switch {
	case errors.Is(err, google.ErrNotFound):
		httperrors.Error(w, r, http.StatusNotFound, "not found at google")
	case google.IsTransient(err):
		httperrors.LogError(r, message, err)
		httperrors.Error(w, r, http.StatusBadGateway, "google is temporarily unavailable")
	default:
		httperrors.InternalError(w, r, err, message)
	}
}
