package google

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"
)

// Calendar is the authorized provider handle the sync core consumes.
type Calendar interface {
	List(ctx context.Context, calendarID string, q ListQuery) (*EventPage, error)
	Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	Delete(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error)
	Stop(ctx context.Context, channelID, resourceID string) error
}

// ListQuery selects either an incremental fetch (SyncToken) or a windowed
// one (TimeMin). PageToken continues either.
type ListQuery struct {
	SyncToken string
	TimeMin   time.Time
	PageToken string
}

// EventPage is one page of a list call. NextSyncToken is only set on the
// final page.
type EventPage struct {
	Items         []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

type serviceClient struct {
	svc     *calendar.Service
	timeout time.Duration
}

// NewCalendar wraps a Calendar API service. Every call is bounded by timeout
// when it is positive.
func NewCalendar(svc *calendar.Service, timeout time.Duration) Calendar {
	return &serviceClient{svc: svc, timeout: timeout}
}

func (c *serviceClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *serviceClient) List(ctx context.Context, calendarID string, q ListQuery) (*EventPage, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	call := c.svc.Events.List(calendarID).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(250).
		Context(ctx)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else if !q.TimeMin.IsZero() {
		call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, classify(opList, err)
	}
	return &EventPage{Items: res.Items, NextPageToken: res.NextPageToken, NextSyncToken: res.NextSyncToken}, nil
}

func (c *serviceClient) Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	res, err := c.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return nil, classify(opInsert, err)
	}
	return res, nil
}

func (c *serviceClient) Update(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	res, err := c.svc.Events.Update(calendarID, eventID, ev).Context(ctx).Do()
	if err != nil {
		return nil, classify(opUpdate, err)
	}
	return res, nil
}

func (c *serviceClient) Delete(ctx context.Context, calendarID, eventID string) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return classify(opDelete, c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do())
}

func (c *serviceClient) Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	res, err := c.svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, classify(opWatch, err)
	}
	return res, nil
}

func (c *serviceClient) Stop(ctx context.Context, channelID, resourceID string) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	err := c.svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	return classify(opStop, err)
}
