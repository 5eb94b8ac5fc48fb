package source

import (
	"context"
	"time"
)

// EmailClient talks to the mailbox platform API. It implements Fetcher,
// DeltaQuerier and Subscriber.
type EmailClient struct {
	c    *client
	base string
}

// NewEmailClient creates a mailbox client.
func NewEmailClient(cfg Config) *EmailClient {
	return &EmailClient{c: newClient(cfg), base: cfg.BaseURL + "/mail"}
}

func (e *EmailClient) Kind() Kind { return KindEmail }

func (e *EmailClient) FetchByID(ctx context.Context, tenant, resourceID string) (*RawItem, error) {
	return e.c.fetchItem(ctx, KindEmail, e.base, tenant, resourceID)
}

func (e *EmailClient) DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*DeltaPage, error) {
	return e.c.deltaQuery(ctx, e.base, tenant, cursor, since)
}

func (e *EmailClient) CreateSubscription(ctx context.Context, tenant, notifyURL, clientState string) (*RemoteSubscription, error) {
	return e.c.createSubscription(ctx, e.base, tenant, notifyURL, clientState)
}

func (e *EmailClient) RenewSubscription(ctx context.Context, tenant, externalID string) (time.Time, error) {
	return e.c.renewSubscription(ctx, e.base, tenant, externalID)
}

func (e *EmailClient) DeleteSubscription(ctx context.Context, tenant, externalID string) error {
	return e.c.deleteSubscription(ctx, e.base, tenant, externalID)
}
