package cache

import (
	"fmt"
	"log/slog"
	"slices"
)

// mergeMetadata combines a cached record with an incoming one. The
// incoming state is discarded when the cached lastEventId is strictly
// greater; identity fields are still filled in. A newer record replaces
// the bounds (nil means unknown); an equal one only contributes explicit
// values.
func mergeMetadata(old *Metadata, in Metadata) (Metadata, bool) {
	if old == nil {
		return in, true
	}

	merged := *old

	if in.Type != "" {
		merged.Type = in.Type
	}

	if in.UniqueName != "" {
		merged.UniqueName = in.UniqueName
	}

	switch {
	case old.LastEventID > in.LastEventID:
		return merged, false

	case in.LastEventID > old.LastEventID:
		merged.LastEventID = in.LastEventID
		merged.Revision = in.Revision
		merged.Data = in.Data
		merged.DateUpdated = in.DateUpdated
		merged.BeginID = in.BeginID
		merged.EndID = in.EndID
		merged.IsEmpty = in.IsEmpty

	default:
		if in.Revision != "" {
			merged.Revision = in.Revision
		}

		if in.Data != nil {
			merged.Data = in.Data
		}

		if !in.DateUpdated.IsZero() {
			merged.DateUpdated = in.DateUpdated
		}

		if in.BeginID != nil {
			merged.BeginID = in.BeginID
		}

		if in.EndID != nil {
			merged.EndID = in.EndID
		}

		if in.IsEmpty != nil {
			merged.IsEmpty = in.IsEmpty
		}
	}

	return merged, true
}

// PutMetadata merges md into the cache and returns the stored record and
// whether the incoming state was applied.
func (c *Cache) PutMetadata(md Metadata) (Metadata, bool, error) {
	var (
		merged  Metadata
		applied bool
	)

	err := c.update(func(t *txn) error {
		old, err := t.metadata(md.Sid)
		if err != nil {
			return err
		}

		merged, applied = mergeMetadata(old, md)

		return t.putMetadata(&merged)
	})
	if err != nil {
		return Metadata{}, false, fmt.Errorf("putting metadata %s: %w", md.Sid, err)
	}

	return merged, applied, nil
}

func (t *txn) metadataOrNew(sid string) (*Metadata, error) {
	md, err := t.metadata(sid)
	if err != nil || md != nil {
		return md, err
	}

	return &Metadata{Sid: sid}, nil
}

// mergeItem applies one item record against the cache. The caller sets
// the incoming bound flags and persists md afterwards.
func (t *txn) mergeItem(md *Metadata, in ItemData) (ItemResult, error) {
	old, err := t.item(in.CollectionSid, in.ID)
	if err != nil {
		return ItemResult{}, err
	}

	// A record at least as new is kept; bound knowledge still accumulates.
	if old != nil && old.LastEventID >= in.LastEventID {
		left := old.IsLeftBound && in.IsLeftBound
		right := old.IsRightBound && in.IsRightBound

		if left != old.IsLeftBound || right != old.IsRightBound {
			old.IsLeftBound, old.IsRightBound = left, right
			if err := t.putItem(old); err != nil {
				return ItemResult{}, err
			}
		}

		return ItemResult{Result: NotModified, Item: *old}, nil
	}

	firstSight := old == nil || old.IsRemoved
	merged := in

	if old != nil {
		merged.IsLeftBound = old.IsLeftBound && in.IsLeftBound
		merged.IsRightBound = old.IsRightBound && in.IsRightBound
	}

	// A new item with unknown surroundings breaks the contiguity its
	// neighbours claimed across its position.
	if firstSight && merged.IsLeftBound {
		if err := t.loosen(in.CollectionSid, in.ID, Descending); err != nil {
			return ItemResult{}, err
		}
	}

	if firstSight && merged.IsRightBound {
		if err := t.loosen(in.CollectionSid, in.ID, Ascending); err != nil {
			return ItemResult{}, err
		}
	}

	if err := t.updateBounds(md, old, &merged, firstSight); err != nil {
		return ItemResult{}, err
	}

	if merged.IsRemoved {
		merged.Data = nil
	}

	if err := t.putItem(&merged); err != nil {
		return ItemResult{}, err
	}

	switch {
	case merged.IsRemoved && firstSight:
		return ItemResult{Result: NotModified, Item: merged}, nil
	case merged.IsRemoved:
		reported := merged
		reported.Data = old.Data

		return ItemResult{Result: Removed, Item: reported, Previous: old}, nil
	case firstSight:
		return ItemResult{Result: Added, Item: merged}, nil
	default:
		return ItemResult{Result: Updated, Item: merged, Previous: old}, nil
	}
}

// loosen marks the neighbour of id on the given side as no longer known
// to be contiguous towards id.
func (t *txn) loosen(sid string, id ItemID, side Order) error {
	n, err := t.neighbor(sid, id, side)
	if err != nil || n == nil {
		return err
	}

	if side == Descending {
		if n.IsRightBound {
			return nil
		}

		n.IsRightBound = true
	} else {
		if n.IsLeftBound {
			return nil
		}

		n.IsLeftBound = true
	}

	return t.putItem(n)
}

// updateBounds keeps beginId/endId conservative. Removing the boundary
// item or inserting past a tombstoned boundary forgets the bound; an
// insertion past a live boundary, or into a known-empty collection,
// tightens it.
func (t *txn) updateBounds(md *Metadata, old, in *ItemData, firstSight bool) error {
	if in.IsRemoved {
		if old != nil && !old.IsRemoved {
			if sameID(md.BeginID, &in.ID) {
				md.BeginID = nil
			}

			if sameID(md.EndID, &in.ID) {
				md.EndID = nil
			}
		}

		return nil
	}

	if !firstSight {
		return nil
	}

	if md.IsEmpty != nil && *md.IsEmpty {
		id := in.ID
		md.BeginID, md.EndID = &id, &id

		return nil
	}

	if md.BeginID != nil && in.ID.Compare(*md.BeginID) < 0 {
		live, err := t.live(in.CollectionSid, *md.BeginID)
		if err != nil {
			return err
		}

		if live {
			id := in.ID
			md.BeginID = &id
		} else {
			md.BeginID = nil
		}
	}

	if md.EndID != nil && in.ID.Compare(*md.EndID) > 0 {
		live, err := t.live(in.CollectionSid, *md.EndID)
		if err != nil {
			return err
		}

		if live {
			id := in.ID
			md.EndID = &id
		} else {
			md.EndID = nil
		}
	}

	return nil
}

func (t *txn) live(sid string, id ItemID) (bool, error) {
	item, err := t.item(sid, id)
	if err != nil {
		return false, err
	}

	return item != nil && !item.IsRemoved, nil
}

// eventFlags derives bound flags for an item seen through a push event.
// A first-sight item is contiguous with a neighbour that already claimed
// contiguity across its position, or that is the collection's known
// edge; the edge neighbour is stitched to it.
func (t *txn) eventFlags(md *Metadata, item *ItemData) error {
	old, err := t.item(item.CollectionSid, item.ID)
	if err != nil {
		return err
	}

	if old != nil {
		item.IsLeftBound, item.IsRightBound = old.IsLeftBound, old.IsRightBound
		return nil
	}

	item.IsLeftBound, item.IsRightBound = true, true

	pred, err := t.neighbor(item.CollectionSid, item.ID, Descending)
	if err != nil {
		return err
	}

	if pred != nil {
		switch {
		case !pred.IsRightBound:
			item.IsLeftBound = false
		case sameID(md.EndID, &pred.ID) && !item.IsRemoved:
			item.IsLeftBound = false
			pred.IsRightBound = false

			if err := t.putItem(pred); err != nil {
				return err
			}
		}
	}

	succ, err := t.neighbor(item.CollectionSid, item.ID, Ascending)
	if err != nil {
		return err
	}

	if succ != nil {
		switch {
		case !succ.IsLeftBound:
			item.IsRightBound = false
		case sameID(md.BeginID, &succ.ID) && !item.IsRemoved:
			item.IsRightBound = false
			succ.IsLeftBound = false

			if err := t.putItem(succ); err != nil {
				return err
			}
		}
	}

	return nil
}

// PutSingleItem merges one item delivered by a push event or returned
// by a local mutation. Bound flags are derived from the cache; the
// collection's lastEventId advances to the item's.
func (c *Cache) PutSingleItem(item ItemData) (ItemResult, error) {
	var res ItemResult

	err := c.update(func(t *txn) error {
		md, err := t.metadataOrNew(item.CollectionSid)
		if err != nil {
			return err
		}

		if err := t.eventFlags(md, &item); err != nil {
			return err
		}

		res, err = t.mergeItem(md, item)
		if err != nil {
			return err
		}

		md.LastEventID = max(md.LastEventID, item.LastEventID)

		switch res.Result {
		case Added:
			empty := false
			md.IsEmpty = &empty
		case Removed:
			if md.IsEmpty != nil && !*md.IsEmpty {
				md.IsEmpty = nil
			}
		case NotModified, Updated:
		}

		return t.putMetadata(md)
	})
	if err != nil {
		return ItemResult{}, fmt.Errorf("merging item %s/%s: %w", item.CollectionSid, item.ID, err)
	}

	return res, nil
}

// DeleteItem records the removal of an item at eventID. Removing an
// unseen item leaves a tombstone so a delayed add with a smaller event
// id cannot resurrect it.
func (c *Cache) DeleteItem(sid string, id ItemID, eventID int64) (ItemResult, error) {
	return c.PutSingleItem(ItemData{CollectionSid: sid, ID: id, LastEventID: eventID, IsRemoved: true})
}

// GetItem returns a cached item, tombstones included, or nil.
func (c *Cache) GetItem(sid string, id ItemID) (*ItemData, error) {
	var item *ItemData

	err := c.update(func(t *txn) error {
		var err error

		item, err = t.item(sid, id)
		if err != nil || item == nil {
			return err
		}

		return t.touch(sid)
	})

	return item, err
}

// PutItems merges one backend page. The first item of the page is left
// bound and the last is right bound; items in between are contiguous.
// A page requested from a cached boundary item is stitched to it. The
// first page fixes the collection's leading edge and the last page its
// trailing edge.
func (c *Cache) PutItems(sid string, page Page) ([]ItemResult, error) {
	items := slices.Clone(page.Items)
	slices.SortFunc(items, func(a, b ItemData) int { return a.ID.Compare(b.ID) })

	results := make([]ItemResult, 0, len(items))

	err := c.update(func(t *txn) error {
		md, err := t.metadataOrNew(sid)
		if err != nil {
			return err
		}

		for i, item := range items {
			item.CollectionSid = sid
			item.IsLeftBound = i == 0
			item.IsRightBound = i == len(items)-1

			res, err := t.mergeItem(md, item)
			if err != nil {
				return err
			}

			results = append(results, res)
		}

		if err := t.stitch(md, page, items); err != nil {
			return err
		}

		applyPageEdges(md, page, items)

		return t.putMetadata(md)
	})
	if err != nil {
		return nil, fmt.Errorf("merging page of %s: %w", sid, err)
	}

	c.logger.Debug("merged page",
		slog.String("sid", sid),
		slog.Int("items", len(items)),
		slog.String("order", page.Order.String()),
		slog.Bool("has_more", page.HasMore),
	)

	return results, nil
}

// stitch joins the boundary record a page was requested from with the
// first page item past it. With nothing past it and no more pages, the
// boundary becomes the collection's edge.
func (t *txn) stitch(md *Metadata, page Page, items []ItemData) error {
	if page.From == nil {
		return nil
	}

	boundary, err := t.item(md.Sid, *page.From)
	if err != nil || boundary == nil {
		return err
	}

	var adjacent *ItemData

	if page.Order == Ascending {
		for i := range items {
			if items[i].ID.Compare(boundary.ID) > 0 {
				adjacent = &items[i]
				break
			}
		}
	} else {
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].ID.Compare(boundary.ID) < 0 {
				adjacent = &items[i]
				break
			}
		}
	}

	if adjacent == nil {
		if !page.HasMore {
			id := boundary.ID
			if page.Order == Ascending {
				md.EndID = &id
			} else {
				md.BeginID = &id
			}
		}

		return nil
	}

	stored, err := t.item(md.Sid, adjacent.ID)
	if err != nil || stored == nil {
		return err
	}

	if page.Order == Ascending {
		boundary.IsRightBound = false
		stored.IsLeftBound = false
	} else {
		boundary.IsLeftBound = false
		stored.IsRightBound = false
	}

	if err := t.putItem(boundary); err != nil {
		return err
	}

	return t.putItem(stored)
}

func applyPageEdges(md *Metadata, page Page, items []ItemData) {
	first := page.From == nil
	last := !page.HasMore

	if len(items) == 0 {
		if first && last {
			empty := true
			md.IsEmpty = &empty
			md.BeginID, md.EndID = nil, nil
		}

		return
	}

	lo, hi := items[0].ID, items[len(items)-1].ID

	if page.Order == Ascending {
		if first {
			md.BeginID = &lo
		}

		if last {
			md.EndID = &hi
		}
	} else {
		if first {
			md.EndID = &hi
		}

		if last {
			md.BeginID = &lo
		}
	}

	empty := false
	md.IsEmpty = &empty
}
