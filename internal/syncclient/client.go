// Package syncclient is the entry point of the engine: it opens maps,
// lists, documents and streams, serves reads from the local cache with
// backend fallback, and applies remote events to the cache.
package syncclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/alexjbarnes/twilsync/internal/subscriptions"
)

const (
	defaultPageSize    = 100
	defaultEventBuffer = 64
)

// Backend is the REST surface used by entities. *backend.Client
// satisfies it.
type Backend interface {
	FetchMetadata(ctx context.Context, typ cache.EntityType, sidOrName string) (cache.Metadata, error)
	FetchPage(ctx context.Context, typ cache.EntityType, sid string, from *cache.ItemID, order cache.Order, pageSize int) (cache.Page, error)
	FetchItem(ctx context.Context, typ cache.EntityType, sid string, id cache.ItemID) (*cache.ItemData, error)
	SetItem(ctx context.Context, typ cache.EntityType, sid string, id *cache.ItemID, data json.RawMessage, revision string) (cache.ItemData, error)
	RemoveItem(ctx context.Context, typ cache.EntityType, sid string, id cache.ItemID, revision string) (int64, error)
	UpdateDocument(ctx context.Context, sid string, data json.RawMessage, revision string) (cache.Metadata, error)
	PublishMessage(ctx context.Context, sid string, data json.RawMessage) (backend.StreamMessage, error)
}

// Subscriber manages server subscriptions. *subscriptions.Manager
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, sid string, typ cache.EntityType, lastEventID *int64) (*subscriptions.Subscription, error)
	RemoteEvents() <-chan subscriptions.RemoteEvent
}

// Config controls a Client. Zero fields take defaults.
type Config struct {
	// PageSize is the backend page size for range reads.
	PageSize int

	// MaxCacheItems bounds the cached item records. Zero disables
	// eviction.
	MaxCacheItems int

	// EventBuffer is the capacity of each entity's Events channel.
	EventBuffer int
}

// ChangeEvent reports one change to an open entity. Result classifies
// item and document changes; Remote tells changes pushed by the server
// from those made through this client.
type ChangeEvent struct {
	EntitySid     string
	Result        cache.Result
	Item          *cache.ItemData
	Previous      *cache.ItemData
	Data          json.RawMessage
	PreviousData  json.RawMessage
	Message       *backend.StreamMessage
	EntityRemoved bool
	Remote        bool
}

type listener struct {
	ch chan ChangeEvent
}

// Client ties the cache, the backend and the subscription manager
// together.
type Client struct {
	backend Backend
	subs    Subscriber
	cache   *cache.Cache
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[string]map[*listener]struct{}
}

// New creates a Client. Run must be started for remote events to reach
// the cache.
func New(b Backend, subs Subscriber, c *cache.Cache, cfg Config, logger *slog.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		backend:   b,
		subs:      subs,
		cache:     c,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "syncclient")),
		listeners: make(map[string]map[*listener]struct{}),
	}
}

// Run applies remote events to the cache until ctx is cancelled or the
// subscriber's event stream ends.
func (c *Client) Run(ctx context.Context) error {
	c.evict()

	events := c.subs.RemoteEvents()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			c.applyRemote(ev)
		}
	}
}

func (c *Client) listen(sid string) *listener {
	l := &listener{ch: make(chan ChangeEvent, c.cfg.EventBuffer)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[sid] == nil {
		c.listeners[sid] = make(map[*listener]struct{})
	}

	c.listeners[sid][l] = struct{}{}

	return l
}

func (c *Client) unlisten(sid string, l *listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set := c.listeners[sid]; set != nil {
		if _, ok := set[l]; ok {
			delete(set, l)
			close(l.ch)
		}

		if len(set) == 0 {
			delete(c.listeners, sid)
		}
	}
}

func (c *Client) emit(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for l := range c.listeners[ev.EntitySid] {
		select {
		case l.ch <- ev:
		default:
			c.logger.Warn("dropping change event, consumer too slow", slog.String("sid", ev.EntitySid))
		}
	}
}

func (c *Client) evict() {
	if c.cfg.MaxCacheItems <= 0 {
		return
	}

	if _, err := c.cache.Evict(c.cfg.MaxCacheItems); err != nil {
		c.logger.Warn("cache eviction failed", slog.String("error", err.Error()))
	}
}

func openReason(typ cache.EntityType) syncerr.Reason {
	switch typ {
	case cache.EntityDocument:
		return syncerr.OpenDocumentError
	case cache.EntityStream:
		return syncerr.OpenStreamError
	default:
		return syncerr.OpenCollectionError
	}
}

func openError(typ cache.EntityType, sidOrName string, err error) error {
	return &syncerr.ErrorInfo{
		Reason:  openReason(typ),
		Status:  syncerr.StatusOf(err),
		Message: "opening " + string(typ) + " " + sidOrName,
		Err:     err,
	}
}

func isNotFound(err error) bool {
	return syncerr.StatusOf(err) == http.StatusNotFound
}

// lookup finds cached metadata by sid, then by unique name.
func (c *Client) lookup(sidOrName string) (*cache.Metadata, error) {
	md, err := c.cache.GetMetadata(sidOrName)
	if err != nil || md != nil {
		return md, err
	}

	return c.cache.GetMetadataByUniqueName(sidOrName)
}

// handle is what every open entity holds.
type handle struct {
	client     *Client
	typ        cache.EntityType
	sid        string
	uniqueName string
	sub        *subscriptions.Subscription
	l          *listener
	closeOnce  sync.Once
}

// open resolves an entity, registers for its change events and
// subscribes. With cached metadata the subscription replays from the
// cached lastEventId before fresh metadata is fetched; a failed refresh
// falls back to the cached record unless the entity is gone.
func (c *Client) open(ctx context.Context, typ cache.EntityType, sidOrName string, persist bool) (*handle, cache.Metadata, error) {
	var cached *cache.Metadata

	if persist {
		md, err := c.lookup(sidOrName)
		if err != nil {
			return nil, cache.Metadata{}, openError(typ, sidOrName, err)
		}

		if md != nil && (md.Type == "" || md.Type == typ) {
			cached = md
		}
	}

	if cached != nil {
		h, err := c.subscribe(ctx, typ, cached.Sid, cached.LastEventID, true)
		if err != nil {
			return nil, cache.Metadata{}, openError(typ, sidOrName, err)
		}

		fresh, err := c.backend.FetchMetadata(ctx, typ, cached.Sid)

		switch {
		case err == nil:
			md, _, err := c.cache.PutMetadata(fresh)
			if err != nil {
				h.close()
				return nil, cache.Metadata{}, openError(typ, sidOrName, err)
			}

			h.uniqueName = md.UniqueName

			return h, md, nil

		case isNotFound(err):
			h.close()

			if derr := c.cache.DeleteCollection(cached.Sid); derr != nil {
				c.logger.Warn("dropping removed entity from cache", slog.String("sid", cached.Sid), slog.String("error", derr.Error()))
			}

			return nil, cache.Metadata{}, openError(typ, sidOrName, err)

		default:
			c.logger.Warn("refreshing metadata failed, using cache",
				slog.String("sid", cached.Sid),
				slog.String("error", err.Error()),
			)

			h.uniqueName = cached.UniqueName

			return h, *cached, nil
		}
	}

	fresh, err := c.backend.FetchMetadata(ctx, typ, sidOrName)
	if err != nil {
		return nil, cache.Metadata{}, openError(typ, sidOrName, err)
	}

	md := fresh

	if persist {
		md, _, err = c.cache.PutMetadata(fresh)
		if err != nil {
			return nil, cache.Metadata{}, openError(typ, sidOrName, err)
		}
	}

	h, err := c.subscribe(ctx, typ, md.Sid, md.LastEventID, persist)
	if err != nil {
		return nil, cache.Metadata{}, openError(typ, sidOrName, err)
	}

	h.uniqueName = md.UniqueName

	return h, md, nil
}

func (c *Client) subscribe(ctx context.Context, typ cache.EntityType, sid string, lastEventID int64, replay bool) (*handle, error) {
	h := &handle{client: c, typ: typ, sid: sid, l: c.listen(sid)}

	var from *int64
	if replay {
		from = &lastEventID
	}

	sub, err := c.subs.Subscribe(ctx, sid, typ, from)
	if err != nil {
		c.unlisten(sid, h.l)
		return nil, err
	}

	h.sub = sub

	c.logger.Debug("opened entity", slog.String("type", string(typ)), slog.String("sid", sid))

	return h, nil
}

func (h *handle) close() {
	h.closeOnce.Do(func() {
		h.sub.Close()
		h.client.unlisten(h.sid, h.l)
	})
}

// Sid returns the entity sid.
func (h *handle) Sid() string { return h.sid }

// UniqueName returns the entity's unique name, if it has one.
func (h *handle) UniqueName() string { return h.uniqueName }

// Events delivers changes to the entity. It is closed by Close.
func (h *handle) Events() <-chan ChangeEvent { return h.l.ch }

// Subscription returns the entity's subscription, for state changes.
func (h *handle) Subscription() *subscriptions.Subscription { return h.sub }

// Close releases the entity's subscription and closes Events.
func (h *handle) Close() { h.close() }
