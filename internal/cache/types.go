package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityType is the kind of a synchronized entity.
type EntityType string

const (
	EntityMap      EntityType = "map"
	EntityList     EntityType = "list"
	EntityDocument EntityType = "document"
	EntityStream   EntityType = "stream"
)

// Order is the direction of a range query or page.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}

	return "asc"
}

const (
	idKindKey   byte = 'k'
	idKindIndex byte = 'i'
)

// ItemID identifies an item inside a collection: a string key for maps,
// a numeric index for lists. IDs of the same kind order by their
// encoded bytes, which matches the backend's ordering.
type ItemID struct {
	key     string
	index   uint64
	numeric bool
}

// KeyID returns the id of a map item.
func KeyID(key string) ItemID { return ItemID{key: key} }

// IndexID returns the id of a list item.
func IndexID(index uint64) ItemID { return ItemID{index: index, numeric: true} }

func (id ItemID) IsIndex() bool { return id.numeric }
func (id ItemID) Key() string   { return id.key }
func (id ItemID) Index() uint64 { return id.index }

func (id ItemID) String() string {
	if id.numeric {
		return strconv.FormatUint(id.index, 10)
	}

	return id.key
}

// Compare orders ids as the store does.
func (id ItemID) Compare(other ItemID) int {
	return bytes.Compare(id.encode(), other.encode())
}

func (id ItemID) encode() []byte {
	if id.numeric {
		b := make([]byte, 9)
		b[0] = idKindIndex
		binary.BigEndian.PutUint64(b[1:], id.index)

		return b
	}

	return append([]byte{idKindKey}, id.key...)
}

func decodeItemID(b []byte) (ItemID, error) {
	if len(b) == 0 {
		return ItemID{}, fmt.Errorf("empty item id")
	}

	switch b[0] {
	case idKindKey:
		return KeyID(string(b[1:])), nil
	case idKindIndex:
		if len(b) != 9 {
			return ItemID{}, fmt.Errorf("index id has %d bytes", len(b))
		}

		return IndexID(binary.BigEndian.Uint64(b[1:])), nil
	default:
		return ItemID{}, fmt.Errorf("unknown item id kind %q", b[0])
	}
}

func (id ItemID) MarshalText() ([]byte, error) {
	if id.numeric {
		return []byte("i:" + strconv.FormatUint(id.index, 10)), nil
	}

	return []byte("k:" + id.key), nil
}

func (id *ItemID) UnmarshalText(text []byte) error {
	s := string(text)

	switch {
	case strings.HasPrefix(s, "i:"):
		n, err := strconv.ParseUint(s[2:], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing item index: %w", err)
		}

		*id = IndexID(n)
	case strings.HasPrefix(s, "k:"):
		*id = KeyID(s[2:])
	default:
		return fmt.Errorf("invalid item id %q", s)
	}

	return nil
}

func sameID(a, b *ItemID) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// Metadata is the cached record of an entity. BeginID, EndID and IsEmpty
// are nil when unknown.
type Metadata struct {
	Sid         string          `json:"sid"`
	UniqueName  string          `json:"unique_name,omitempty"`
	Type        EntityType      `json:"type,omitempty"`
	Revision    string          `json:"revision,omitempty"`
	LastEventID int64           `json:"last_event_id"`
	BeginID     *ItemID         `json:"begin_id,omitempty"`
	EndID       *ItemID         `json:"end_id,omitempty"`
	IsEmpty     *bool           `json:"is_empty,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	DateUpdated time.Time       `json:"date_updated,omitzero"`
}

// ItemData is one cached collection item or tombstone.
//
// IsLeftBound and IsRightBound are true when the neighbour on that side
// is not known to be present in the cache. A false flag means the next
// record in key order on that side is the true neighbour.
type ItemData struct {
	CollectionSid string          `json:"collection_sid"`
	ID            ItemID          `json:"id"`
	Revision      string          `json:"revision,omitempty"`
	LastEventID   int64           `json:"last_event_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	DateUpdated   time.Time       `json:"date_updated,omitzero"`
	IsLeftBound   bool            `json:"left_bound"`
	IsRightBound  bool            `json:"right_bound"`
	IsRemoved     bool            `json:"removed"`
}

// Result classifies the effect of merging an item.
type Result int

const (
	NotModified Result = iota
	Added
	Updated
	Removed
)

func (r Result) String() string {
	switch r {
	case Added:
		return "Added"
	case Updated:
		return "Updated"
	case Removed:
		return "Removed"
	default:
		return "NotModified"
	}
}

// ItemResult is the outcome of a merge. For Removed, Item carries the
// data the item had before removal. Previous is set for Updated and
// Removed.
type ItemResult struct {
	Result   Result
	Item     ItemData
	Previous *ItemData
}

// Page is one backend page of a collection. From is the inclusive start
// the page was requested from, nil for the first page. HasMore reports
// whether items exist beyond the page in Order direction.
type Page struct {
	Items   []ItemData
	Order   Order
	From    *ItemID
	HasMore bool
}
