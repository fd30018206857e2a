package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/twilsync/internal/cache"
)

// EventKind classifies a data event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindItemAdded
	KindItemUpdated
	KindItemRemoved
	KindEntityRemoved
	KindDocumentUpdated
	KindMessagePublished
)

var eventKinds = map[string]struct {
	kind EventKind
	typ  cache.EntityType
}{
	"map_item_added":           {KindItemAdded, cache.EntityMap},
	"map_item_updated":         {KindItemUpdated, cache.EntityMap},
	"map_item_removed":         {KindItemRemoved, cache.EntityMap},
	"map_removed":              {KindEntityRemoved, cache.EntityMap},
	"list_item_added":          {KindItemAdded, cache.EntityList},
	"list_item_updated":        {KindItemUpdated, cache.EntityList},
	"list_item_removed":        {KindItemRemoved, cache.EntityList},
	"list_removed":             {KindEntityRemoved, cache.EntityList},
	"document_updated":         {KindDocumentUpdated, cache.EntityDocument},
	"document_removed":         {KindEntityRemoved, cache.EntityDocument},
	"stream_message_published": {KindMessagePublished, cache.EntityStream},
	"stream_removed":           {KindEntityRemoved, cache.EntityStream},
}

// DataEvent is a push event describing a change to an entity.
type DataEvent struct {
	Type             string          `json:"event_type"`
	ID               int64           `json:"id"`
	MapSid           string          `json:"map_sid,omitempty"`
	ListSid          string          `json:"list_sid,omitempty"`
	DocumentSid      string          `json:"document_sid,omitempty"`
	StreamSid        string          `json:"stream_sid,omitempty"`
	ItemKey          *string         `json:"item_key,omitempty"`
	ItemIndex        *uint64         `json:"item_index,omitempty"`
	ItemRevision     string          `json:"item_revision,omitempty"`
	ItemData         json.RawMessage `json:"item_data,omitempty"`
	DocumentRevision string          `json:"document_revision,omitempty"`
	DocumentData     json.RawMessage `json:"document_data,omitempty"`
	MessageSid       string          `json:"message_sid,omitempty"`
	MessageData      json.RawMessage `json:"message_data,omitempty"`
	DateCreated      time.Time       `json:"date_created,omitzero"`
}

// ParseDataEvent decodes a data event payload.
func ParseDataEvent(payload []byte) (DataEvent, error) {
	var ev DataEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return DataEvent{}, fmt.Errorf("decoding data event: %w", err)
	}

	if ev.Type == "" {
		return DataEvent{}, fmt.Errorf("data event without event_type")
	}

	return ev, nil
}

// Kind returns the classification of the event.
func (e DataEvent) Kind() EventKind {
	return eventKinds[e.Type].kind
}

// EntityType returns the type of the entity the event is about.
func (e DataEvent) EntityType() cache.EntityType {
	return eventKinds[e.Type].typ
}

// EntitySid returns the sid of the entity the event is about.
func (e DataEvent) EntitySid() string {
	switch {
	case e.MapSid != "":
		return e.MapSid
	case e.ListSid != "":
		return e.ListSid
	case e.DocumentSid != "":
		return e.DocumentSid
	default:
		return e.StreamSid
	}
}

// Item returns the collection item an item event carries. Removals
// produce a tombstone at the event id.
func (e DataEvent) Item() (cache.ItemData, error) {
	var id cache.ItemID

	switch {
	case e.ItemKey != nil:
		id = cache.KeyID(*e.ItemKey)
	case e.ItemIndex != nil:
		id = cache.IndexID(*e.ItemIndex)
	default:
		return cache.ItemData{}, fmt.Errorf("%s event without item key or index", e.Type)
	}

	item := cache.ItemData{
		CollectionSid: e.EntitySid(),
		ID:            id,
		Revision:      e.ItemRevision,
		LastEventID:   e.ID,
		DateUpdated:   e.DateCreated,
	}

	if e.Kind() == KindItemRemoved {
		item.IsRemoved = true
	} else {
		item.Data = e.ItemData
	}

	return item, nil
}

// Document returns the metadata a document_updated event carries.
func (e DataEvent) Document() cache.Metadata {
	return cache.Metadata{
		Sid:         e.DocumentSid,
		Type:        cache.EntityDocument,
		Revision:    e.DocumentRevision,
		LastEventID: e.ID,
		Data:        e.DocumentData,
		DateUpdated: e.DateCreated,
	}
}

// Message returns the stream message a stream_message_published event
// carries.
func (e DataEvent) Message() StreamMessage {
	return StreamMessage{Sid: e.MessageSid, Data: e.MessageData}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
