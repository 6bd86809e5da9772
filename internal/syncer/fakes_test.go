package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/retry"
	"github.com/anandg3302/Unified-Calendar/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type listResponse struct {
	page *google.EventPage
	err  error
}

// fakeCalendar replays scripted list responses in order.
type fakeCalendar struct {
	mu        sync.Mutex
	responses []listResponse
	queries   []google.ListQuery
}

func (f *fakeCalendar) List(ctx context.Context, calendarID string, q google.ListQuery) (*google.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected list call")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.page, r.err
}

func (f *fakeCalendar) Insert(context.Context, string, *calendar.Event) (*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCalendar) Update(context.Context, string, string, *calendar.Event) (*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCalendar) Delete(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (f *fakeCalendar) Watch(context.Context, string, *calendar.Channel) (*calendar.Channel, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCalendar) Stop(context.Context, string, string) error {
	return errors.New("not implemented")
}

type fakeClients struct {
	cal         google.Calendar
	err         error
	calls       int
	invalidated []error
}

func (f *fakeClients) Client(ctx context.Context, userID int64) (google.Calendar, error) {
	f.calls++
	return f.cal, f.err
}

func (f *fakeClients) Invalidate(ctx context.Context, userID int64, err error) {
	f.invalidated = append(f.invalidated, err)
}

type eventKey struct {
	userID     int64
	source     string
	externalID string
}

// fakeEvents keeps unified events keyed by (user, source, external id).
type fakeEvents struct {
	mu     sync.Mutex
	events map[eventKey]store.Event
	err    error
	pages  int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[eventKey]store.Event)}
}

func (f *fakeEvents) seed(e store.Event) {
	f.events[eventKey{e.UserID, e.CalendarSource, *e.ExternalID}] = e
}

func (f *fakeEvents) ApplyChanges(ctx context.Context, changes store.EventChanges) (store.ChangeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.ChangeStats{}, f.err
	}
	f.pages++

	var stats store.ChangeStats
	for _, e := range changes.Upserts {
		key := eventKey{changes.UserID, changes.Source, *e.ExternalID}
		if _, ok := f.events[key]; ok {
			stats.Updated++
		} else {
			stats.Created++
		}
		f.events[key] = e
	}
	for _, id := range changes.Deletes {
		key := eventKey{changes.UserID, changes.Source, id}
		if _, ok := f.events[key]; ok {
			delete(f.events, key)
			stats.Deleted++
		}
	}
	return stats, nil
}

func (f *fakeEvents) get(userID int64, externalID string) (store.Event, bool) {
	e, ok := f.events[eventKey{userID, google.Source, externalID}]
	return e, ok
}

type fakeStates struct {
	mu      sync.Mutex
	cursors map[int64]string
	sets    int
	clears  int
}

func newFakeStates() *fakeStates {
	return &fakeStates{cursors: make(map[int64]string)}
}

func (f *fakeStates) Get(ctx context.Context, userID int64, provider string) (*store.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.SyncState{UserID: userID, Provider: provider, Cursor: c}, nil
}

func (f *fakeStates) Set(ctx context.Context, userID int64, provider, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.cursors[userID] = cursor
	return nil
}

func (f *fakeStates) Clear(ctx context.Context, userID int64, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	delete(f.cursors, userID)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy() retry.Policy {
	p := retry.Default()
	p.Sleep = noSleep
	return p
}

func timed(id, title, start string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: title,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: start},
		End:     &calendar.EventDateTime{DateTime: start},
	}
}

func cancelled(id string) *calendar.Event {
	return &calendar.Event{Id: id, Status: "cancelled"}
}

func strPtr(s string) *string { return &s }
