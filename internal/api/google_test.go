package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/anandg3302/Unified-Calendar/internal/google"
	"github.com/anandg3302/Unified-Calendar/internal/notify"
	"github.com/anandg3302/Unified-Calendar/internal/store"
	"github.com/anandg3302/Unified-Calendar/internal/syncer"
)

func googleItem(id, summary, start string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start},
		End:     &calendar.EventDateTime{DateTime: start},
	}
}

func TestListGoogleEventsPagesAndNormalizes(t *testing.T) {
	env := newTestEnv(t)
	env.cal.pages = []*google.EventPage{
		{Items: []*calendar.Event{googleItem("a", "", "2025-03-11T09:00:00Z"), {Id: "gone", Status: "cancelled"}}, NextPageToken: "p2"},
		{Items: []*calendar.Event{googleItem("b", "Lunch", "2025-03-11T12:00:00Z"), {Id: "broken"}}},
	}

	rec := env.do(t, http.MethodGet, "/api/google/events", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "(No title)", events[0].(map[string]any)["title"])
	assert.Equal(t, "Lunch", events[1].(map[string]any)["title"])

	require.Len(t, env.cal.queries, 2)
	assert.True(t, env.cal.queries[0].TimeMin.Equal(testNow.Add(-syncer.DefaultWindow)))
	assert.Equal(t, "p2", env.cal.queries[1].PageToken)
	assert.Empty(t, env.events.events, "live listing must not touch storage")
}

func TestGoogleEndpointsSignalReauth(t *testing.T) {
	env := newTestEnv(t)
	env.clients.err = &google.AuthError{Reason: google.ReasonNotConnected}

	rec := env.do(t, http.MethodGet, "/api/google/events", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["reauth_required"])
	assert.Equal(t, "not_connected", body["reason"])
}

func TestGoogleTransientErrorIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.cal.listErr = &google.TransientError{Err: errors.New("503")}

	rec := env.do(t, http.MethodGet, "/api/google/events", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateGoogleEventWritesThrough(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/google/events", map[string]any{
		"title":       "Dentist",
		"description": "bring card",
		"start":       "2025-03-12T15:00:00Z",
		"end":         "2025-03-12T16:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NotNil(t, env.cal.inserted)
	assert.Equal(t, "Dentist", env.cal.inserted.Summary)
	assert.Equal(t, "bring card", env.cal.inserted.Description)
	assert.Equal(t, "2025-03-12T15:00:00Z", env.cal.inserted.Start.DateTime)

	require.Len(t, env.events.events, 1)
	for _, e := range env.events.events {
		assert.Equal(t, "google", e.CalendarSource)
		assert.Equal(t, "g-new", *e.ExternalID)
		assert.Equal(t, int64(1), e.UserID)
	}
	ev := decodeBody(t, rec)["event"].(map[string]any)
	assert.Equal(t, "g-new", ev["external_id"])
}

func TestCreateGoogleEventSurvivesProjectionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.events.upsertErr = errors.New("db down")

	rec := env.do(t, http.MethodPost, "/api/google/events", map[string]any{
		"title": "Dentist",
		"start": "2025-03-12T15:00:00Z",
		"end":   "2025-03-12T16:00:00Z",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, env.events.events)
}

func TestUpdateGoogleEventUpsertsProjection(t *testing.T) {
	env := newTestEnv(t)
	existing := seedEvent(env, 1, "Dentist", testNow, "google")

	rec := env.do(t, http.MethodPut, "/api/google/events/ext-Dentist", map[string]any{
		"title":   "Dentist (moved)",
		"start":   "2025-03-13",
		"end":     "2025-03-14",
		"all_day": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "date-only values are not RFC 3339 timestamps")

	rec = env.do(t, http.MethodPut, "/api/google/events/ext-Dentist", map[string]any{
		"title":   "Dentist (moved)",
		"start":   "2025-03-13T00:00:00Z",
		"end":     "2025-03-14T00:00:00Z",
		"all_day": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ext-Dentist", env.cal.updatedID)

	require.Len(t, env.events.events, 1)
	stored := env.events.events[existing.ID]
	assert.Equal(t, "Dentist (moved)", stored.Title)
	assert.True(t, stored.AllDay)
}

func TestDeleteGoogleEventRemovesProjection(t *testing.T) {
	env := newTestEnv(t)
	seedEvent(env, 1, "Dentist", testNow, "google")

	rec := env.do(t, http.MethodDelete, "/api/google/events/ext-Dentist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ext-Dentist"}, env.cal.deleted)
	assert.Empty(t, env.events.events)
}

func TestDeleteGoogleEventAlreadyGone(t *testing.T) {
	env := newTestEnv(t)
	seedEvent(env, 1, "Dentist", testNow, "google")
	env.cal.deleteErr = google.ErrNotFound

	rec := env.do(t, http.MethodDelete, "/api/google/events/ext-Dentist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.events.events)
}

func TestSyncNowReturnsSummary(t *testing.T) {
	env := newTestEnv(t)
	env.syncer.res = syncer.Result{Pages: 2, Upserted: 2, Deleted: 1, FullResync: true}

	rec := env.do(t, http.MethodPost, "/api/google/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)["result"].(map[string]any)
	assert.Equal(t, float64(2), result["pages"])
	assert.Equal(t, float64(1), result["deleted"])
	assert.Equal(t, true, result["full_resync"])
}

func TestSyncNowAuthError(t *testing.T) {
	env := newTestEnv(t)
	env.syncer.err = &google.AuthError{Reason: google.ReasonRevoked}

	rec := env.do(t, http.MethodPost, "/api/google/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "revoked", decodeBody(t, rec)["reason"])
}

func TestWatchCreatesChannel(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/google/watch", map[string]any{
		"webhook_url": "https://hooks.example.com/api/google/notify",
		"token":       "shh",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	watch := decodeBody(t, rec)["watch"].(map[string]any)
	assert.Equal(t, "ch-1", watch["channel_id"])
	assert.Equal(t, "res-1", watch["resource_id"])
	assert.Equal(t, "shh", *env.watches.created.Token)
	assert.NotContains(t, rec.Body.String(), "shh")
}

func TestWatchRequiresHTTPS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/google/watch", map[string]any{"webhook_url": "http://hooks.example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, env.watches.created)
}

func TestStopWatch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/google/stop_watch", map[string]string{"channel_id": "ch-1", "resource_id": "res-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"stopped"}`, rec.Body.String())
	assert.Equal(t, [][2]string{{"ch-1", "res-1"}}, env.watches.stopped)

	rec = env.do(t, http.MethodPost, "/api/google/stop_watch", map[string]string{"channel_id": "ch-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifyReadsGoogleHeaders(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/google/notify", nil)
	req.Header.Set("X-Goog-Channel-ID", "ch-1")
	req.Header.Set("X-Goog-Resource-ID", "res-1")
	req.Header.Set("X-Goog-Resource-State", "exists")
	req.Header.Set("X-Goog-Channel-Token", "shh")
	req.Header.Set("X-Goog-Message-Number", "4")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, []notify.Notification{{
		ChannelID: "ch-1", ResourceID: "res-1", ResourceState: "exists", Token: "shh", MessageNumber: "4",
	}}, env.notifier.got)
}

func TestNotifyIgnoredIsStill200(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.outcome = notify.OutcomeIgnored

	rec := env.do(t, http.MethodPost, "/api/google/notify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestCalendarSources(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/calendar-sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"google"`)
	assert.Contains(t, rec.Body.String(), `"id":"outlook"`)
}

var _ store.EventRepository = (*fakeEvents)(nil)
