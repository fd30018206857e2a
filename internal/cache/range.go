package cache

import (
	"context"
	"iter"
	"log/slog"
)

// PageFetcher loads one page of a collection in order, starting at from
// inclusive, or at the collection's edge when from is nil.
type PageFetcher func(ctx context.Context, sid string, from *ItemID, order Order, pageSize int) (Page, error)

// GetItemsInRange yields live items from start (inclusive, nil for the
// collection's edge) in order. Contiguous cached runs are served
// directly; on reaching a record whose bound flag says the cache does
// not know what lies beyond, one page is fetched from that record,
// merged, and serving continues from the cache.
func (c *Cache) GetItemsInRange(ctx context.Context, sid string, start *ItemID, order Order, pageSize int, fetch PageFetcher) iter.Seq2[ItemData, error] {
	pageSize = max(pageSize, 2)

	return func(yield func(ItemData, error) bool) {
		cur, err := c.locate(ctx, sid, start, order, pageSize, fetch)
		if err != nil {
			yield(ItemData{}, err)
			return
		}

		for cur != nil {
			if !cur.IsRemoved && !yield(*cur, nil) {
				return
			}

			if err := ctx.Err(); err != nil {
				yield(ItemData{}, err)
				return
			}

			cur, err = c.advance(ctx, sid, cur.ID, order, pageSize, fetch)
			if err != nil {
				yield(ItemData{}, err)
				return
			}
		}
	}
}

func edgeOf(md *Metadata, order Order) *ItemID {
	if md == nil {
		return nil
	}

	if order == Ascending {
		return md.BeginID
	}

	return md.EndID
}

func farEdgeOf(md *Metadata, order Order) *ItemID {
	if md == nil {
		return nil
	}

	if order == Ascending {
		return md.EndID
	}

	return md.BeginID
}

// boundToward reports whether item is not known to be contiguous with
// its neighbour in order direction.
func boundToward(item *ItemData, order Order) bool {
	if order == Ascending {
		return item.IsRightBound
	}

	return item.IsLeftBound
}

// boundFrom is boundToward for the side facing away from order.
func boundFrom(item *ItemData, order Order) bool {
	if order == Ascending {
		return item.IsLeftBound
	}

	return item.IsRightBound
}

func beyond(a, b ItemID, order Order) bool {
	if order == Ascending {
		return a.Compare(b) > 0
	}

	return a.Compare(b) < 0
}

// locate finds the first record to serve.
func (c *Cache) locate(ctx context.Context, sid string, start *ItemID, order Order, pageSize int, fetch PageFetcher) (*ItemData, error) {
	var (
		found   *ItemData
		done    bool
		fetchAt *ItemID
	)

	err := c.update(func(t *txn) error {
		md, err := t.metadata(sid)
		if err != nil {
			return err
		}

		if err := t.touch(sid); err != nil {
			return err
		}

		if start == nil {
			if edge := edgeOf(md, order); edge != nil {
				found, err = t.item(sid, *edge)
				if err != nil || found != nil {
					return err
				}
			}

			if md != nil && md.IsEmpty != nil && *md.IsEmpty {
				done = true
			}

			return nil
		}

		found, err = t.item(sid, *start)
		if err != nil || found != nil {
			return err
		}

		next, err := t.neighbor(sid, *start, order)
		if err != nil {
			return err
		}

		if next != nil && !boundFrom(next, order) {
			found = next
			return nil
		}

		if far := farEdgeOf(md, order); next == nil && far != nil && beyond(*start, *far, order) {
			done = true
		}

		fetchAt = start

		return nil
	})
	if err != nil || found != nil || done {
		return found, err
	}

	page, err := fetch(ctx, sid, fetchAt, order, pageSize)
	if err != nil {
		return nil, err
	}

	page.From, page.Order = fetchAt, order

	if _, err := c.PutItems(sid, page); err != nil {
		return nil, err
	}

	if len(page.Items) == 0 {
		return nil, nil
	}

	err = c.view(func(t *txn) error {
		if fetchAt == nil {
			md, err := t.metadata(sid)
			if err != nil || edgeOf(md, order) == nil {
				return err
			}

			found, err = t.item(sid, *edgeOf(md, order))

			return err
		}

		found, err = t.item(sid, *fetchAt)
		if err != nil || found != nil {
			return err
		}

		found, err = t.neighbor(sid, *fetchAt, order)

		return err
	})

	return found, err
}

// advance moves from the record at id to the next record in order,
// fetching a page when the cache cannot vouch for what comes next.
func (c *Cache) advance(ctx context.Context, sid string, id ItemID, order Order, pageSize int, fetch PageFetcher) (*ItemData, error) {
	next, atEnd, needFetch, err := c.step(sid, id, order)
	if err != nil || atEnd || !needFetch {
		return next, err
	}

	from := id

	page, err := fetch(ctx, sid, &from, order, pageSize)
	if err != nil {
		return nil, err
	}

	page.From, page.Order = &from, order

	if _, err := c.PutItems(sid, page); err != nil {
		return nil, err
	}

	next, atEnd, needFetch, err = c.step(sid, id, order)
	if err != nil || atEnd {
		return next, err
	}

	if needFetch {
		// The page held nothing past id yet claims more exists.
		c.logger.Warn("page did not extend cached range",
			slog.String("sid", sid),
			slog.String("from", id.String()),
			slog.Int("items", len(page.Items)),
		)

		return nil, nil
	}

	return next, nil
}

func (c *Cache) step(sid string, id ItemID, order Order) (next *ItemData, atEnd, needFetch bool, err error) {
	err = c.view(func(t *txn) error {
		md, err := t.metadata(sid)
		if err != nil {
			return err
		}

		if sameID(farEdgeOf(md, order), &id) {
			atEnd = true
			return nil
		}

		cur, err := t.item(sid, id)
		if err != nil {
			return err
		}

		if cur == nil || boundToward(cur, order) {
			needFetch = true
			return nil
		}

		next, err = t.neighbor(sid, id, order)
		if err != nil {
			return err
		}

		needFetch = next == nil

		return nil
	})

	return next, atEnd, needFetch, err
}
