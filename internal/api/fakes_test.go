package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/auth"
	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/notify"
	"github.com/anandg3302/Unified-Calendar/internal/store"
	"github.com/anandg3302/Unified-Calendar/internal/syncer"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeAccounts struct {
	registerErr error
	loginErr    error
	lastEmail   string
}

func (f *fakeAccounts) Register(_ context.Context, email, _, name string) (*store.User, string, error) {
	f.lastEmail = email
	if f.registerErr != nil {
		return nil, "", f.registerErr
	}
	return &store.User{ID: 7, Email: email, Name: name}, "jwt-register", nil
}

func (f *fakeAccounts) Login(_ context.Context, email, _ string) (*store.User, string, error) {
	f.lastEmail = email
	if f.loginErr != nil {
		return nil, "", f.loginErr
	}
	return &store.User{ID: 7, Email: email, Name: "Ada"}, "jwt-login", nil
}

type fakeGoogleLogin struct {
	url         string
	result      *auth.LoginResult
	completeErr error
	gotCode     string
	gotState    string
}

func (f *fakeGoogleLogin) BeginLogin(context.Context) (string, error) { return f.url, nil }

func (f *fakeGoogleLogin) Complete(_ context.Context, code, state string) (*auth.LoginResult, error) {
	f.gotCode, f.gotState = code, state
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.result, nil
}

// fakeEvents is an in-memory EventRepository.
type fakeEvents struct {
	mu        sync.Mutex
	nextID    int64
	events    map[int64]store.Event
	listErr   error
	upsertErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{nextID: 1, events: map[int64]store.Event{}}
}

func (f *fakeEvents) put(e store.Event) store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.nextID
	f.nextID++
	f.events[e.ID] = e
	return e
}

func (f *fakeEvents) Create(_ context.Context, e store.Event) (*store.Event, error) {
	e.CreatedAt, e.UpdatedAt = testNow, testNow
	stored := f.put(e)
	return &stored, nil
}

func (f *fakeEvents) GetByID(_ context.Context, userID, id int64) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok || e.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEvents) Update(_ context.Context, e store.Event) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.events[e.ID]
	if !ok || cur.UserID != e.UserID {
		return nil, store.ErrNotFound
	}
	f.events[e.ID] = e
	return &e, nil
}

func (f *fakeEvents) Delete(_ context.Context, userID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok || e.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

func (f *fakeEvents) ListByUser(_ context.Context, userID int64) ([]store.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for _, e := range f.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (f *fakeEvents) findExternal(userID int64, source, externalID string) (int64, bool) {
	for id, e := range f.events {
		if e.UserID == userID && e.CalendarSource == source && e.ExternalID != nil && *e.ExternalID == externalID {
			return id, true
		}
	}
	return 0, false
}

func (f *fakeEvents) UpsertExternal(_ context.Context, e store.Event) (*store.Event, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.findExternal(e.UserID, e.CalendarSource, *e.ExternalID); ok {
		e.ID = id
	} else {
		e.ID = f.nextID
		f.nextID++
	}
	f.events[e.ID] = e
	return &e, nil
}

func (f *fakeEvents) DeleteExternal(_ context.Context, userID int64, source, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.findExternal(userID, source, externalID)
	if ok {
		delete(f.events, id)
	}
	return ok, nil
}

func (f *fakeEvents) ApplyChanges(context.Context, store.EventChanges) (store.ChangeStats, error) {
	return store.ChangeStats{}, nil
}

type fakeCalendar struct {
	pages     []*google.EventPage
	listErr   error
	queries   []google.ListQuery
	inserted  *calendar.Event
	updatedID string
	deleted   []string
	deleteErr error
	writeErr  error
}

func (c *fakeCalendar) List(_ context.Context, _ string, q google.ListQuery) (*google.EventPage, error) {
	c.queries = append(c.queries, q)
	if c.listErr != nil {
		return nil, c.listErr
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	return page, nil
}

func (c *fakeCalendar) Insert(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	if c.writeErr != nil {
		return nil, c.writeErr
	}
	c.inserted = ev
	out := *ev
	out.Id = "g-new"
	return &out, nil
}

func (c *fakeCalendar) Update(_ context.Context, _, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	if c.writeErr != nil {
		return nil, c.writeErr
	}
	c.updatedID = eventID
	out := *ev
	out.Id = eventID
	return &out, nil
}

func (c *fakeCalendar) Delete(_ context.Context, _, eventID string) error {
	c.deleted = append(c.deleted, eventID)
	return c.deleteErr
}

func (c *fakeCalendar) Watch(context.Context, string, *calendar.Channel) (*calendar.Channel, error) {
	return nil, nil
}

func (c *fakeCalendar) Stop(context.Context, string, string) error { return nil }

type fakeClients struct {
	cal google.Calendar
	err error
}

func (f *fakeClients) Client(context.Context, int64) (google.Calendar, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cal, nil
}

type fakeSyncer struct {
	res syncer.Result
	err error
}

func (f *fakeSyncer) Sync(context.Context, int64) (syncer.Result, error) { return f.res, f.err }

type fakeWatches struct {
	created   *store.WatchChannel
	createErr error
	stopErr   error
	stopped   [][2]string
}

func (f *fakeWatches) Create(_ context.Context, userID int64, address string, token *string) (*store.WatchChannel, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = &store.WatchChannel{ChannelID: "ch-1", ResourceID: "res-1", UserID: userID, Address: address, Token: token, Expiration: testNow.Add(7 * 24 * time.Hour)}
	return f.created, nil
}

func (f *fakeWatches) Stop(_ context.Context, _ int64, channelID, resourceID string) error {
	f.stopped = append(f.stopped, [2]string{channelID, resourceID})
	return f.stopErr
}

type fakeNotifier struct {
	got     []notify.Notification
	outcome notify.Outcome
}

func (f *fakeNotifier) Dispatch(_ context.Context, n notify.Notification) notify.Outcome {
	f.got = append(f.got, n)
	return f.outcome
}

type testEnv struct {
	handler  *Handler
	router   http.Handler
	accounts *fakeAccounts
	google   *fakeGoogleLogin
	events   *fakeEvents
	cal      *fakeCalendar
	clients  *fakeClients
	syncer   *fakeSyncer
	watches  *fakeWatches
	notifier *fakeNotifier
	user     *store.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		accounts: &fakeAccounts{},
		google:   &fakeGoogleLogin{url: "https://accounts.google.com/o/oauth2/auth?state=s1"},
		events:   newFakeEvents(),
		cal:      &fakeCalendar{},
		syncer:   &fakeSyncer{},
		watches:  &fakeWatches{},
		notifier: &fakeNotifier{outcome: notify.OutcomeOK},
		user:     &store.User{ID: 1, Email: "ada@example.com", Name: "Ada"},
	}
	env.clients = &fakeClients{cal: env.cal}
	env.handler = New(Deps{
		Accounts: env.accounts,
		Google:   env.google,
		Events:   env.events,
		Clients:  env.clients,
		Syncer:   env.syncer,
		Watches:  env.watches,
		Notifier: env.notifier,
		Config:   Config{FrontendRedirect: "exp://10.0.0.5:8081"},
	})
	env.handler.now = func() time.Time { return testNow }
	env.router = env.routes()
	return env
}

// routes mirrors the production mounting with the user injected directly.
func (e *testEnv) routes() http.Handler {
	h := e.handler
	r := chi.NewRouter()
	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)
	r.Get("/api/google/login", h.GoogleLogin)
	r.Get("/api/google/callback", h.GoogleCallback)
	r.Post("/api/google/notify", h.Notify)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if e.user != nil {
					req = req.WithContext(auth.WithUser(req.Context(), e.user))
				}
				next.ServeHTTP(w, req)
			})
		})
		r.Get("/api/me", h.Me)
		r.Get("/api/calendar-sources", h.CalendarSources)
		r.Get("/api/events", h.ListEvents)
		r.Post("/api/events", h.CreateEvent)
		r.Get("/api/events/export.ics", h.ExportICS)
		r.Put("/api/events/{id}", h.UpdateEvent)
		r.Delete("/api/events/{id}", h.DeleteEvent)
		r.Get("/api/google/events", h.ListGoogleEvents)
		r.Post("/api/google/events", h.CreateGoogleEvent)
		r.Put("/api/google/events/{eventID}", h.UpdateGoogleEvent)
		r.Delete("/api/google/events/{eventID}", h.DeleteGoogleEvent)
		r.Post("/api/google/sync", h.SyncNow)
		r.Post("/api/google/watch", h.Watch)
		r.Post("/api/google/stop_watch", h.StopWatch)
	})
	return r
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func strPtr(s string) *string { return &s }
