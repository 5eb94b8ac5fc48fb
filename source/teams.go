package source

import (
	"context"
	"time"
)

// TeamsClient talks to the chat-message platform API. It implements Fetcher,
// DeltaQuerier and Subscriber.
type TeamsClient struct {
	c    *client
	base string
}

// NewTeamsClient creates a chat-message client.
func NewTeamsClient(cfg Config) *TeamsClient {
	return &TeamsClient{c: newClient(cfg), base: cfg.BaseURL + "/chats"}
}

func (t *TeamsClient) Kind() Kind { return KindTeams }

func (t *TeamsClient) FetchByID(ctx context.Context, tenant, resourceID string) (*RawItem, error) {
	return t.c.fetchItem(ctx, KindTeams, t.base, tenant, resourceID)
}

func (t *TeamsClient) DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*DeltaPage, error) {
	return t.c.deltaQuery(ctx, t.base, tenant, cursor, since)
}

func (t *TeamsClient) CreateSubscription(ctx context.Context, tenant, notifyURL, clientState string) (*RemoteSubscription, error) {
	return t.c.createSubscription(ctx, t.base, tenant, notifyURL, clientState)
}

func (t *TeamsClient) RenewSubscription(ctx context.Context, tenant, externalID string) (time.Time, error) {
	return t.c.renewSubscription(ctx, t.base, tenant, externalID)
}

func (t *TeamsClient) DeleteSubscription(ctx context.Context, tenant, externalID string) error {
	return t.c.deleteSubscription(ctx, t.base, tenant, externalID)
}
