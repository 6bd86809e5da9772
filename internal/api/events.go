package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

type eventResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Description    *string   `json:"description"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	AllDay         bool      `json:"all_day"`
	Location       *string   `json:"location"`
	CalendarSource string    `json:"calendar_source"`
	ExternalID     *string   `json:"external_id,omitempty"`
	IsInvite       bool      `json:"is_invite"`
	InviteStatus   *string   `json:"invite_status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toEventResponse(e store.Event) eventResponse {
	return eventResponse{
		ID:             strconv.FormatInt(e.ID, 10),
		UserID:         strconv.FormatInt(e.UserID, 10),
		Title:          e.Title,
		Description:    e.Description,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		AllDay:         e.AllDay,
		Location:       e.Location,
		CalendarSource: e.CalendarSource,
		ExternalID:     e.ExternalID,
		IsInvite:       e.IsInvite,
		InviteStatus:   e.InviteStatus,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

type createEventRequest struct {
	Title        string    `json:"title" validate:"required,max=500"`
	Description  *string   `json:"description" validate:"omitempty,max=8000"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	EndTime      time.Time `json:"end_time" validate:"required,gtefield=StartTime"`
	AllDay       bool      `json:"all_day"`
	Location     *string   `json:"location" validate:"omitempty,max=500"`
	IsInvite     bool      `json:"is_invite"`
	InviteStatus *string   `json:"invite_status" validate:"omitempty,oneof=pending accepted declined tentative"`
}

// updateEventRequest changes only the fields present in the body.
type updateEventRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=500"`
	Description *string    `json:"description" validate:"omitempty,max=8000"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	AllDay      *bool      `json:"all_day"`
	Location    *string    `json:"location" validate:"omitempty,max=500"`
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	events, err := h.events.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list events")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.events.Create(r.Context(), store.Event{
		UserID:         user.ID,
		Title:          req.Title,
		Description:    req.Description,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		AllDay:         req.AllDay,
		Location:       req.Location,
		CalendarSource: store.SourceLocal,
		IsInvite:       req.IsInvite,
		InviteStatus:   req.InviteStatus,
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "create event")
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": "Event created successfully",
		"event":   toEventResponse(*created),
	})
}

// loadLocal fetches an event the user may edit directly. Synced events are
// owned by their provider and change only through it.
func (h *Handler) loadLocal(w http.ResponseWriter, r *http.Request, userID int64) (*store.Event, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return nil, false
	}
	existing, err := h.events.GetByID(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Error(w, r, http.StatusNotFound, "event not found")
			return nil, false
		}
		httperrors.InternalError(w, r, err, "load event")
		return nil, false
	}
	if existing.CalendarSource != store.SourceLocal {
		httperrors.Error(w, r, http.StatusConflict, "event is synced from "+existing.CalendarSource+" and must be changed there")
		return nil, false
	}
	return existing, true
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	existing, ok := h.loadLocal(w, r, user.ID)
	if !ok {
		return
	}
	var req updateEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	next := *existing
	if req.Title != nil {
		next.Title = *req.Title
	}
	if req.Description != nil {
		next.Description = req.Description
	}
	if req.StartTime != nil {
		next.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		next.EndTime = *req.EndTime
	}
	if req.AllDay != nil {
		next.AllDay = *req.AllDay
	}
	if req.Location != nil {
		next.Location = req.Location
	}
	if next.EndTime.Before(next.StartTime) {
		httperrors.Error(w, r, http.StatusBadRequest, "end_time must not be before start_time")
		return
	}

	updated, err := h.events.Update(r.Context(), next)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Error(w, r, http.StatusNotFound, "event not found")
			return
		}
		httperrors.InternalError(w, r, err, "update event")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, toEventResponse(*updated))
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	existing, ok := h.loadLocal(w, r, user.ID)
	if !ok {
		return
	}
	if err := h.events.Delete(r.Context(), user.ID, existing.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Error(w, r, http.StatusNotFound, "event not found")
			return
		}
		httperrors.InternalError(w, r, err, "delete event")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"message": "Event deleted"})
}

// ExportICS renders every unified event of the user as one iCalendar feed.
func (h *Handler) ExportICS(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	events, err := h.events.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list events for export")
		return
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Unified Calendar//EN")
	stamp := h.now().UTC()
	for _, e := range events {
		cal.Children = append(cal.Children, toVEvent(e, stamp))
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		httperrors.LogError(r, "encode ics export", err)
	}
}

func toVEvent(e store.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	uid := "local-" + strconv.FormatInt(e.ID, 10)
	if e.ExternalID != nil {
		uid = e.CalendarSource + "-" + *e.ExternalID
	}
	ve.Props.SetText(ical.PropUID, uid+"@unified-calendar")
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	if e.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, e.StartTime)
		ve.Props.SetDate(ical.PropDateTimeEnd, e.EndTime)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime.UTC())
	}
	if e.Description != nil && *e.Description != "" {
		ve.Props.SetText(ical.PropDescription, *e.Description)
	}
	if e.Location != nil && *e.Location != "" {
		ve.Props.SetText(ical.PropLocation, *e.Location)
	}
	ve.Props.SetText(ical.PropCategories, e.CalendarSource)
	return ve
}
