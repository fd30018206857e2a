package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/alexjbarnes/twilsync/internal/cache"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
)

// Mutator computes the new value of an item or document from its
// current value. Returning nil data aborts the mutation.
type Mutator func(current json.RawMessage) (json.RawMessage, error)

// Collection is an open map or list.
type Collection struct {
	*handle
}

// OpenMap opens a map by sid or unique name.
func (c *Client) OpenMap(ctx context.Context, sidOrName string) (*Collection, error) {
	return c.openCollection(ctx, cache.EntityMap, sidOrName)
}

// OpenList opens a list by sid or unique name.
func (c *Client) OpenList(ctx context.Context, sidOrName string) (*Collection, error) {
	return c.openCollection(ctx, cache.EntityList, sidOrName)
}

func (c *Client) openCollection(ctx context.Context, typ cache.EntityType, sidOrName string) (*Collection, error) {
	h, _, err := c.open(ctx, typ, sidOrName, true)
	if err != nil {
		return nil, err
	}

	return &Collection{handle: h}, nil
}

// Type returns EntityMap or EntityList.
func (col *Collection) Type() cache.EntityType { return col.typ }

// GetItem returns an item from the cache, asking the backend when the
// cache has never seen it. A nil item means it does not exist.
func (col *Collection) GetItem(ctx context.Context, id cache.ItemID) (*cache.ItemData, error) {
	item, err := col.client.cache.GetItem(col.sid, id)
	if err != nil {
		return nil, err
	}

	if item != nil {
		if item.IsRemoved {
			return nil, nil
		}

		return item, nil
	}

	return col.fetchItem(ctx, id)
}

// fetchItem loads one item from the backend and merges it as a single
// item page, so it is bound on both sides.
func (col *Collection) fetchItem(ctx context.Context, id cache.ItemID) (*cache.ItemData, error) {
	fetched, err := col.client.backend.FetchItem(ctx, col.typ, col.sid, id)
	if err != nil || fetched == nil {
		return nil, err
	}

	results, err := col.client.cache.PutItems(col.sid, cache.Page{
		Items:   []cache.ItemData{*fetched},
		From:    &id,
		HasMore: true,
	})
	if err != nil {
		return nil, err
	}

	if len(results) == 0 || results[0].Item.IsRemoved || results[0].Result == cache.Removed {
		return nil, nil
	}

	item := results[0].Item

	return &item, nil
}

// Items yields live items from start (nil for the edge) in order,
// fetching pages the cache lacks. Failures are reported as
// IteratorError.
func (col *Collection) Items(ctx context.Context, start *cache.ItemID, order cache.Order) iter.Seq2[cache.ItemData, error] {
	c := col.client

	fetch := func(ctx context.Context, sid string, from *cache.ItemID, order cache.Order, pageSize int) (cache.Page, error) {
		return c.backend.FetchPage(ctx, col.typ, sid, from, order, pageSize)
	}

	return func(yield func(cache.ItemData, error) bool) {
		defer c.evict()

		for item, err := range c.cache.GetItemsInRange(ctx, col.sid, start, order, c.cfg.PageSize, fetch) {
			if err != nil {
				yield(cache.ItemData{}, syncerr.Wrap(syncerr.IteratorError, err))
				return
			}

			if !yield(item, nil) {
				return
			}
		}
	}
}

// SetItem writes an item unconditionally.
func (col *Collection) SetItem(ctx context.Context, id cache.ItemID, data json.RawMessage) (cache.ItemData, error) {
	return col.write(ctx, &id, data, "")
}

// AddItem appends an item to a list.
func (col *Collection) AddItem(ctx context.Context, data json.RawMessage) (cache.ItemData, error) {
	if col.typ != cache.EntityList {
		return cache.ItemData{}, fmt.Errorf("adding item: %s %s is not a list", col.typ, col.sid)
	}

	return col.write(ctx, nil, data, "")
}

func (col *Collection) write(ctx context.Context, id *cache.ItemID, data json.RawMessage, revision string) (cache.ItemData, error) {
	item, err := col.client.backend.SetItem(ctx, col.typ, col.sid, id, data, revision)
	if err != nil {
		return cache.ItemData{}, err
	}

	item.CollectionSid = col.sid

	if err := col.client.applyItem(item, false); err != nil {
		return cache.ItemData{}, err
	}

	return item, nil
}

// RemoveItem deletes an item.
func (col *Collection) RemoveItem(ctx context.Context, id cache.ItemID) error {
	eventID, err := col.client.backend.RemoveItem(ctx, col.typ, col.sid, id, "")
	if err != nil {
		return err
	}

	if eventID == 0 {
		return nil
	}

	return col.client.applyItem(cache.ItemData{CollectionSid: col.sid, ID: id, LastEventID: eventID, IsRemoved: true}, false)
}

// MutateItem applies mutator to the current value of an item and writes
// the result conditioned on the revision it read. On a revision
// conflict the item is reloaded from the backend and mutator runs once
// more.
func (col *Collection) MutateItem(ctx context.Context, id cache.ItemID, mutator Mutator) (cache.ItemData, error) {
	var lastErr error

	for attempt := range 2 {
		var (
			cur *cache.ItemData
			err error
		)

		if attempt == 0 {
			cur, err = col.GetItem(ctx, id)
		} else {
			cur, err = col.fetchItem(ctx, id)
		}

		if err != nil {
			return cache.ItemData{}, err
		}

		if cur == nil {
			return cache.ItemData{}, syncerr.Newf(syncerr.MutateCollectionItemNotFound, "item %s in %s", id, col.sid)
		}

		next, err := mutator(cur.Data)
		if err != nil {
			return cache.ItemData{}, syncerr.Wrap(syncerr.MutateOperationAborted, err)
		}

		if next == nil {
			return cache.ItemData{}, syncerr.New(syncerr.MutateOperationAborted, "mutator returned no data")
		}

		item, err := col.write(ctx, &id, next, cur.Revision)
		if errors.Is(err, syncerr.ErrPreconditionFailed) {
			col.client.logger.Debug("item changed during mutation, reloading",
				slog.String("sid", col.sid),
				slog.String("id", id.String()),
			)

			lastErr = err

			continue
		}

		return item, err
	}

	return cache.ItemData{}, lastErr
}
