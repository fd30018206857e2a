// Package backend expresses the REST surface of the sync service as
// commands run by the command scheduler, and decodes push events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/alexjbarnes/twilsync/internal/command"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/alexjbarnes/twilsync/internal/twilsock"
	"github.com/tidwall/gjson"
)

// Client issues sync service requests through a command scheduler.
type Client struct {
	sched            *command.Scheduler
	baseURL          string
	subscriptionsURL string
	logger           *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSubscriptionsURL overrides the subscription endpoint, which
// defaults to <baseURL>/Subscriptions.
func WithSubscriptionsURL(u string) ClientOption {
	return func(c *Client) {
		c.subscriptionsURL = u
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client for the service rooted at baseURL.
func NewClient(sched *command.Scheduler, baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")

	c := &Client{
		sched:            sched,
		baseURL:          baseURL,
		subscriptionsURL: baseURL + "/Subscriptions",
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) entityURL(typ cache.EntityType, sidOrName string) (string, error) {
	seg, err := collectionSegment(typ)
	if err != nil {
		return "", err
	}

	return c.baseURL + "/" + seg + "/" + url.PathEscape(sidOrName), nil
}

func (c *Client) itemURL(typ cache.EntityType, sid string, id *cache.ItemID) (string, error) {
	u, err := c.entityURL(typ, sid)
	if err != nil {
		return "", err
	}

	u += "/Items"
	if id != nil {
		u += "/" + url.PathEscape(id.String())
	}

	return u, nil
}

// jsonCommand builds a command that sends body as JSON (nil for none)
// and decodes a JSON reply with parse.
func jsonCommand[T any](name, method, u string, body any, header http.Header, parse func([]byte) (T, error)) command.Command[T] {
	return command.Command[T]{
		Name: name,
		Request: func(context.Context) (*twilsock.HTTPRequest, error) {
			h := header.Clone()
			if h == nil {
				h = http.Header{}
			}

			h.Set("Accept", "application/json")

			req := &twilsock.HTTPRequest{URL: u, Method: method, Headers: h}

			if body != nil {
				payload, err := json.Marshal(body)
				if err != nil {
					return nil, fmt.Errorf("encoding body: %w", err)
				}

				h.Set("Content-Type", "application/json")
				req.Payload = payload
			}

			return req, nil
		},
		Parse: func(resp *twilsock.HTTPResponse) (T, error) {
			return parse(resp.Payload)
		},
	}
}

func decodeJSON[T any](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)

	return v, err
}

func ifMatch(revision string) http.Header {
	if revision == "" {
		return nil
	}

	return http.Header{"If-Match": []string{revision}}
}

func isNotFound(err error) bool {
	return syncerr.StatusOf(err) == http.StatusNotFound
}

// FetchMetadata loads an entity by sid or unique name.
func (c *Client) FetchMetadata(ctx context.Context, typ cache.EntityType, sidOrName string) (cache.Metadata, error) {
	u, err := c.entityURL(typ, sidOrName)
	if err != nil {
		return cache.Metadata{}, err
	}

	resp, err := command.Post(ctx, c.sched, jsonCommand("fetch "+string(typ), http.MethodGet, u, nil, nil, decodeJSON[entityResponse]))
	if err != nil {
		return cache.Metadata{}, err
	}

	return resp.metadata(typ), nil
}

// FetchPage loads one page of a collection, starting at from inclusive
// or at the collection's edge in order when from is nil.
func (c *Client) FetchPage(ctx context.Context, typ cache.EntityType, sid string, from *cache.ItemID, order cache.Order, pageSize int) (cache.Page, error) {
	u, err := c.itemURL(typ, sid, nil)
	if err != nil {
		return cache.Page{}, err
	}

	q := url.Values{}
	q.Set("Order", order.String())
	q.Set("PageSize", strconv.Itoa(pageSize))

	if from != nil {
		q.Set("From", from.String())
		q.Set("Bounds", "inclusive")
	}

	resp, err := command.Post(ctx, c.sched, jsonCommand("fetch items", http.MethodGet, u+"?"+q.Encode(), nil, nil, decodeJSON[itemsResponse]))
	if err != nil {
		return cache.Page{}, err
	}

	p, err := resp.page(sid, from, order)
	if err != nil {
		return cache.Page{}, syncerr.Wrap(syncerr.CannotParse, err)
	}

	return p, nil
}

// FetchItem loads one item. A missing item returns nil without error.
func (c *Client) FetchItem(ctx context.Context, typ cache.EntityType, sid string, id cache.ItemID) (*cache.ItemData, error) {
	u, err := c.itemURL(typ, sid, &id)
	if err != nil {
		return nil, err
	}

	resp, err := command.Post(ctx, c.sched, jsonCommand("fetch item", http.MethodGet, u, nil, nil, decodeJSON[itemResponse]))
	if isNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	item, err := resp.item(sid)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CannotParse, err)
	}

	return &item, nil
}

// SetItem writes an item's data. A nil id appends to a list. A non-empty
// revision is sent as If-Match and a mismatch fails with
// PreconditionFailed.
func (c *Client) SetItem(ctx context.Context, typ cache.EntityType, sid string, id *cache.ItemID, data json.RawMessage, revision string) (cache.ItemData, error) {
	u, err := c.itemURL(typ, sid, id)
	if err != nil {
		return cache.ItemData{}, err
	}

	resp, err := command.Post(ctx, c.sched, jsonCommand("set item", http.MethodPost, u, dataRequest{Data: data}, ifMatch(revision), decodeJSON[itemResponse]))
	if err != nil {
		return cache.ItemData{}, err
	}

	item, err := resp.item(sid)
	if err != nil {
		return cache.ItemData{}, syncerr.Wrap(syncerr.CannotParse, err)
	}

	return item, nil
}

// RemoveItem deletes an item and returns the event id of the removal when
// the service reports one, zero otherwise.
func (c *Client) RemoveItem(ctx context.Context, typ cache.EntityType, sid string, id cache.ItemID, revision string) (int64, error) {
	u, err := c.itemURL(typ, sid, &id)
	if err != nil {
		return 0, err
	}

	parse := func(payload []byte) (int64, error) {
		if len(bytes.TrimSpace(payload)) == 0 {
			return 0, nil
		}

		if !gjson.ValidBytes(payload) {
			return 0, fmt.Errorf("invalid JSON body")
		}

		return gjson.GetBytes(payload, "last_event_id").Int(), nil
	}

	return command.Post(ctx, c.sched, jsonCommand("remove item", http.MethodDelete, u, nil, ifMatch(revision), parse))
}

// UpdateDocument replaces a document's data, conditionally on revision
// when it is not empty.
func (c *Client) UpdateDocument(ctx context.Context, sid string, data json.RawMessage, revision string) (cache.Metadata, error) {
	u, err := c.entityURL(cache.EntityDocument, sid)
	if err != nil {
		return cache.Metadata{}, err
	}

	resp, err := command.Post(ctx, c.sched, jsonCommand("update document", http.MethodPost, u, dataRequest{Data: data}, ifMatch(revision), decodeJSON[entityResponse]))
	if err != nil {
		return cache.Metadata{}, err
	}

	return resp.metadata(cache.EntityDocument), nil
}

// PublishMessage publishes data to a stream.
func (c *Client) PublishMessage(ctx context.Context, sid string, data json.RawMessage) (StreamMessage, error) {
	u, err := c.entityURL(cache.EntityStream, sid)
	if err != nil {
		return StreamMessage{}, err
	}

	return command.Post(ctx, c.sched, jsonCommand("publish message", http.MethodPost, u+"/Messages", dataRequest{Data: data}, nil, decodeJSON[StreamMessage]))
}

// Subscriptions sends one subscription batch.
func (c *Client) Subscriptions(ctx context.Context, req SubscriptionRequest) (SubscriptionResponse, error) {
	req.EventProtocolVersion = eventProtocolVersion

	resp, err := command.Post(ctx, c.sched, jsonCommand("subscriptions "+string(req.Action), http.MethodPost, c.subscriptionsURL, req, nil, decodeJSON[subscriptionResponse]))
	if err != nil {
		return SubscriptionResponse{}, err
	}

	c.logger.Debug("subscription batch accepted",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("action", string(req.Action)),
		slog.Int("entities", len(req.Requests)),
		slog.Int64("estimated_delivery_ms", resp.EstimatedDeliveryInMs),
	)

	return SubscriptionResponse{
		EstimatedDelivery: msDuration(resp.EstimatedDeliveryInMs),
		MaxBatchSize:      resp.MaxBatchSize,
	}, nil
}
