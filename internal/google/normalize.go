package google

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/store"
)

// Source is the calendar_source tag of events synced from Google.
const Source = "google"

const (
	untitled        = "(No title)"
	dateLayout      = "2006-01-02"
	statusCancelled = "cancelled"
)

// IsCancelled reports whether a listed item is a deletion marker.
func IsCancelled(item *calendar.Event) bool {
	return item != nil && item.Status == statusCancelled
}

// ToEvent maps a provider item onto the unified event shape.
func ToEvent(userID int64, item *calendar.Event) (store.Event, error) {
	if item == nil || item.Id == "" {
		return store.Event{}, errors.New("event has no id")
	}

	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return store.Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	end := start
	if item.End != nil && (item.End.DateTime != "" || item.End.Date != "") {
		if end, _, err = parseEventTime(item.End); err != nil {
			return store.Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
		}
	}

	title := item.Summary
	if title == "" {
		title = untitled
	}
	id := item.Id

	return store.Event{
		UserID:         userID,
		Title:          title,
		Description:    optional(item.Description),
		StartTime:      start,
		EndTime:        end,
		AllDay:         allDay,
		Location:       optional(item.Location),
		CalendarSource: Source,
		ExternalID:     &id,
	}, nil
}

// FromEvent maps a unified event onto the fields Google's write API accepts.
// Unset optional fields are omitted.
func FromEvent(e store.Event) *calendar.Event {
	out := &calendar.Event{Summary: e.Title}
	if e.Description != nil && *e.Description != "" {
		out.Description = *e.Description
	}
	if e.Location != nil && *e.Location != "" {
		out.Location = *e.Location
	}

	end := e.EndTime
	if end.IsZero() {
		end = e.StartTime
	}
	out.Start = formatEventTime(e.StartTime, e.AllDay)
	out.End = formatEventTime(end, e.AllDay)
	return out
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case t == nil:
		return time.Time{}, false, errors.New("missing")
	case t.DateTime != "":
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	case t.Date != "":
		v, err := time.Parse(dateLayout, t.Date)
		return v, true, err
	}
	return time.Time{}, false, errors.New("missing")
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
