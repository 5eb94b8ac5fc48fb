package source

import (
	"context"
	"time"
)

// CalendarClient talks to the calendar platform API. It implements Fetcher,
// DeltaQuerier and Subscriber.
type CalendarClient struct {
	c    *client
	base string
}

// NewCalendarClient creates a calendar client.
func NewCalendarClient(cfg Config) *CalendarClient {
	return &CalendarClient{c: newClient(cfg), base: cfg.BaseURL + "/calendar"}
}

func (cc *CalendarClient) Kind() Kind { return KindCalendar }

func (cc *CalendarClient) FetchByID(ctx context.Context, tenant, resourceID string) (*RawItem, error) {
	return cc.c.fetchItem(ctx, KindCalendar, cc.base, tenant, resourceID)
}

func (cc *CalendarClient) DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*DeltaPage, error) {
	return cc.c.deltaQuery(ctx, cc.base, tenant, cursor, since)
}

func (cc *CalendarClient) CreateSubscription(ctx context.Context, tenant, notifyURL, clientState string) (*RemoteSubscription, error) {
	return cc.c.createSubscription(ctx, cc.base, tenant, notifyURL, clientState)
}

func (cc *CalendarClient) RenewSubscription(ctx context.Context, tenant, externalID string) (time.Time, error) {
	return cc.c.renewSubscription(ctx, cc.base, tenant, externalID)
}

func (cc *CalendarClient) DeleteSubscription(ctx context.Context, tenant, externalID string) error {
	return cc.c.deleteSubscription(ctx, cc.base, tenant, externalID)
}
