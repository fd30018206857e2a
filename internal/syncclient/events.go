package syncclient

import (
	"log/slog"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/alexjbarnes/twilsync/internal/subscriptions"
)

// applyRemote merges one pushed event into the cache and notifies the
// entity's listeners when the cache changed.
func (c *Client) applyRemote(ev subscriptions.RemoteEvent) {
	de, err := backend.ParseDataEvent(ev.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed remote event",
			slog.String("sid", ev.EntitySid),
			slog.String("error", err.Error()),
		)

		return
	}

	log := c.logger.With(
		slog.String("sid", de.EntitySid()),
		slog.String("event_type", de.Type),
		slog.Int64("event_id", de.ID),
	)

	switch de.Kind() {
	case backend.KindItemAdded, backend.KindItemUpdated, backend.KindItemRemoved:
		item, err := de.Item()
		if err != nil {
			log.Warn("dropping item event", slog.String("error", err.Error()))
			return
		}

		if err := c.applyItem(item, true); err != nil {
			log.Error("applying item event", slog.String("error", err.Error()))
		}

	case backend.KindEntityRemoved:
		if err := c.cache.DeleteCollection(de.EntitySid()); err != nil {
			log.Error("removing entity from cache", slog.String("error", err.Error()))
		}

		c.emit(ChangeEvent{EntitySid: de.EntitySid(), EntityRemoved: true, Remote: true})

	case backend.KindDocumentUpdated:
		if err := c.applyDocument(de.Document(), true); err != nil {
			log.Error("applying document event", slog.String("error", err.Error()))
		}

	case backend.KindMessagePublished:
		msg := de.Message()
		c.emit(ChangeEvent{EntitySid: de.EntitySid(), Message: &msg, Remote: true})

	default:
		log.Debug("ignoring remote event")
	}
}

// applyItem merges an item and emits the change it made, if any.
func (c *Client) applyItem(item cache.ItemData, remote bool) error {
	res, err := c.cache.PutSingleItem(item)
	if err != nil {
		return err
	}

	if res.Result == cache.NotModified {
		return nil
	}

	merged := res.Item

	c.emit(ChangeEvent{
		EntitySid: item.CollectionSid,
		Result:    res.Result,
		Item:      &merged,
		Previous:  res.Previous,
		Remote:    remote,
	})

	return nil
}

// applyDocument merges document metadata and emits an update when it
// moved the document forward.
func (c *Client) applyDocument(md cache.Metadata, remote bool) error {
	prev, err := c.cache.GetMetadata(md.Sid)
	if err != nil {
		return err
	}

	merged, applied, err := c.cache.PutMetadata(md)
	if err != nil {
		return err
	}

	if !applied || (prev != nil && md.LastEventID <= prev.LastEventID) {
		return nil
	}

	ev := ChangeEvent{
		EntitySid: md.Sid,
		Result:    cache.Updated,
		Data:      merged.Data,
		Remote:    remote,
	}

	if prev != nil {
		ev.PreviousData = prev.Data
	}

	c.emit(ev)

	return nil
}
