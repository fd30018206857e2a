package backend

import (
	"fmt"

	"github.com/alexjbarnes/twilsync/internal/cache"
)

func (r entityResponse) metadata(typ cache.EntityType) cache.Metadata {
	md := cache.Metadata{
		Sid:         r.Sid,
		UniqueName:  r.UniqueName,
		Type:        typ,
		Revision:    r.Revision,
		LastEventID: r.LastEventID,
		DateUpdated: r.DateUpdated,
	}

	if typ == cache.EntityDocument {
		md.Data = r.Data
	}

	return md
}

func (r itemResponse) id() (cache.ItemID, error) {
	switch {
	case r.Key != nil:
		return cache.KeyID(*r.Key), nil
	case r.Index != nil:
		return cache.IndexID(*r.Index), nil
	default:
		return cache.ItemID{}, fmt.Errorf("item has neither key nor index")
	}
}

func (r itemResponse) item(sid string) (cache.ItemData, error) {
	id, err := r.id()
	if err != nil {
		return cache.ItemData{}, err
	}

	return cache.ItemData{
		CollectionSid: sid,
		ID:            id,
		Revision:      r.Revision,
		LastEventID:   r.LastEventID,
		Data:          r.Data,
		DateUpdated:   r.DateUpdated,
	}, nil
}

func (r itemsResponse) page(sid string, from *cache.ItemID, order cache.Order) (cache.Page, error) {
	p := cache.Page{
		Items:   make([]cache.ItemData, 0, len(r.Items)),
		Order:   order,
		From:    from,
		HasMore: r.Meta.NextToken != "",
	}

	for i, raw := range r.Items {
		item, err := raw.item(sid)
		if err != nil {
			return cache.Page{}, fmt.Errorf("page item %d: %w", i, err)
		}

		p.Items = append(p.Items, item)
	}

	return p, nil
}

// collectionSegment is the REST path segment of an entity type.
func collectionSegment(typ cache.EntityType) (string, error) {
	switch typ {
	case cache.EntityMap:
		return "Maps", nil
	case cache.EntityList:
		return "Lists", nil
	case cache.EntityDocument:
		return "Documents", nil
	case cache.EntityStream:
		return "Streams", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", typ)
	}
}
