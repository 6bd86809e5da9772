package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anandg3302/Unified-Calendar/internal/auth"
	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	GoogleConnected bool   `json:"google_connected"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:              strconv.FormatInt(u.ID, 10),
		Email:           u.Email,
		Name:            u.Name,
		GoogleConnected: u.GoogleConnected(),
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, token, err := h.accounts.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			httperrors.Error(w, r, http.StatusBadRequest, "email already registered")
			return
		}
		httperrors.InternalError(w, r, err, "register user")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: toUserResponse(user)})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, token, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httperrors.Error(w, r, http.StatusUnauthorized, "incorrect email or password")
			return
		}
		httperrors.InternalError(w, r, err, "login")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", User: toUserResponse(user)})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// GoogleLogin redirects to Google's consent screen.
func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		httperrors.Error(w, r, http.StatusServiceUnavailable, "google login is not configured")
		return
	}
	target, err := h.google.BeginLogin(r.Context())
	if err != nil {
		httperrors.InternalError(w, r, err, "begin google login")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// GoogleCallback completes the flow and hands the bearer token to the
// frontend through its redirect URL.
func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		httperrors.Error(w, r, http.StatusServiceUnavailable, "google login is not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		httperrors.Error(w, r, http.StatusBadRequest, "google authorization failed: "+e)
		return
	}

	res, err := h.google.Complete(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidState) {
			httperrors.Error(w, r, http.StatusBadRequest, "invalid or expired state")
			return
		}
		httperrors.BadRequestError(w, r, err, "google login failed")
		return
	}

	target, err := frontendRedirect(h.cfg.FrontendRedirect, res)
	if err != nil {
		httperrors.InternalError(w, r, err, "build frontend redirect")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func frontendRedirect(base string, res *auth.LoginResult) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	userJSON, err := json.Marshal(toUserResponse(res.User))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", res.Token)
	q.Set("user", string(userJSON))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
