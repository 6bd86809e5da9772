package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/google"
	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/notify"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// maxLivePages bounds GET /api/google/events.
const maxLivePages = 10

type googleEventRequest struct {
	Title       string    `json:"title" validate:"required,max=500"`
	Description *string   `json:"description" validate:"omitempty,max=8000"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required,gtefield=Start"`
	AllDay      bool      `json:"all_day"`
	Location    *string   `json:"location" validate:"omitempty,max=500"`
}

func (req googleEventRequest) toEvent(userID int64) store.Event {
	return store.Event{
		UserID:         userID,
		Title:          req.Title,
		Description:    req.Description,
		StartTime:      req.Start,
		EndTime:        req.End,
		AllDay:         req.AllDay,
		Location:       req.Location,
		CalendarSource: google.Source,
	}
}

// ListGoogleEvents reads the live calendar window directly from Google
// without touching local storage.
func (h *Handler) ListGoogleEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	cal, err := h.clients.Client(r.Context(), user.ID)
	if err != nil {
		h.providerError(w, r, err, "resolve google client")
		return
	}

	out := make([]eventResponse, 0)
	q := google.ListQuery{TimeMin: h.now().Add(-h.cfg.Window)}
	for page := 0; page < maxLivePages; page++ {
		res, err := cal.List(r.Context(), h.cfg.CalendarID, q)
		if err != nil {
			h.providerError(w, r, err, "list google events")
			return
		}
		for _, item := range res.Items {
			if google.IsCancelled(item) {
				continue
			}
			e, err := google.ToEvent(user.ID, item)
			if err != nil {
				continue
			}
			out = append(out, toEventResponse(e))
		}
		if res.NextPageToken == "" {
			break
		}
		q.PageToken = res.NextPageToken
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// CreateGoogleEvent writes through to Google and stores the returned event.
func (h *Handler) CreateGoogleEvent(w http.ResponseWriter, r *http.Request) {
	h.writeGoogleEvent(w, r, "", http.StatusCreated, func(ctx context.Context, cal google.Calendar, body *calendar.Event) (*calendar.Event, error) {
		return cal.Insert(ctx, h.cfg.CalendarID, body)
	})
}

func (h *Handler) UpdateGoogleEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	h.writeGoogleEvent(w, r, eventID, http.StatusOK, func(ctx context.Context, cal google.Calendar, body *calendar.Event) (*calendar.Event, error) {
		return cal.Update(ctx, h.cfg.CalendarID, eventID, body)
	})
}

type googleWrite func(ctx context.Context, cal google.Calendar, body *calendar.Event) (*calendar.Event, error)

func (h *Handler) writeGoogleEvent(w http.ResponseWriter, r *http.Request, eventID string, status int, write googleWrite) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req googleEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	cal, err := h.clients.Client(r.Context(), user.ID)
	if err != nil {
		h.providerError(w, r, err, "resolve google client")
		return
	}

	written, err := write(r.Context(), cal, google.FromEvent(req.toEvent(user.ID)))
	if err != nil {
		h.providerError(w, r, err, "write google event")
		return
	}

	projected, err := google.ToEvent(user.ID, written)
	if err != nil {
		httperrors.InternalError(w, r, err, "normalize written google event")
		return
	}
	stored, err := h.events.UpsertExternal(r.Context(), projected)
	if err != nil {
		// Google holds the write; the next sync repairs the projection.
		h.logger.Warn("storing google event projection failed",
			slog.Int64("user_id", user.ID),
			slog.String("event_id", written.Id),
			slog.String("error", err.Error()),
		)
		httperrors.WriteJSON(w, status, map[string]any{"status": "success", "event": toEventResponse(projected)})
		return
	}
	httperrors.WriteJSON(w, status, map[string]any{"status": "success", "event": toEventResponse(*stored)})
}

// DeleteGoogleEvent removes the event at Google and its local projection.
// An event Google no longer knows is treated as deleted.
func (h *Handler) DeleteGoogleEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	eventID := chi.URLParam(r, "eventID")
	cal, err := h.clients.Client(r.Context(), user.ID)
	if err != nil {
		h.providerError(w, r, err, "resolve google client")
		return
	}
	if err := cal.Delete(r.Context(), h.cfg.CalendarID, eventID); err != nil && !errors.Is(err, google.ErrNotFound) {
		h.providerError(w, r, err, "delete google event")
		return
	}
	if _, err := h.events.DeleteExternal(r.Context(), user.ID, google.Source, eventID); err != nil {
		httperrors.InternalError(w, r, err, "delete google event projection")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "deleted": eventID})
}

// SyncNow runs an incremental sync for the caller and returns its summary.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	res, err := h.syncer.Sync(r.Context(), user.ID)
	if err != nil {
		h.providerError(w, r, err, "google sync")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

type watchRequest struct {
	WebhookURL string  `json:"webhook_url" validate:"required,url,startswith=https://"`
	Token      *string `json:"token" validate:"omitempty,max=256"`
}

type watchResponse struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Address    string    `json:"address"`
	Expiration time.Time `json:"expiration"`
}

func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req watchRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch, err := h.watches.Create(r.Context(), user.ID, req.WebhookURL, req.Token)
	if err != nil {
		h.providerError(w, r, err, "create watch channel")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"watch": watchResponse{
		ChannelID:  ch.ChannelID,
		ResourceID: ch.ResourceID,
		Address:    ch.Address,
		Expiration: ch.Expiration,
	}})
}

type stopWatchRequest struct {
	ChannelID  string `json:"channel_id" validate:"required"`
	ResourceID string `json:"resource_id" validate:"required"`
}

func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req stopWatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.watches.Stop(r.Context(), user.ID, req.ChannelID, req.ResourceID); err != nil {
		h.providerError(w, r, err, "stop watch channel")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Notify is Google's push endpoint. It always answers 200 quickly; the
// triggered sync runs in the background.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	outcome := h.notifier.Dispatch(r.Context(), notify.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	})
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

type calendarSource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Color    string `json:"color"`
	IsActive bool   `json:"is_active"`
}

var calendarSources = []calendarSource{
	{ID: "google", Name: "Google Calendar", Type: "google", Color: "#4285F4", IsActive: true},
	{ID: "apple", Name: "Apple Calendar", Type: "apple", Color: "#FF3B30", IsActive: true},
	{ID: "outlook", Name: "Outlook Calendar", Type: "outlook", Color: "#0078D4", IsActive: true},
}

func (h *Handler) CalendarSources(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, calendarSources)
}
