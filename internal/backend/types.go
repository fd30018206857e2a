package backend

import (
	"encoding/json"
	"time"
)

// entityResponse is the REST representation of a map, list, document or
// stream.
type entityResponse struct {
	Sid         string          `json:"sid"`
	UniqueName  string          `json:"unique_name"`
	Revision    string          `json:"revision"`
	LastEventID int64           `json:"last_event_id"`
	Data        json.RawMessage `json:"data,omitempty"`
	DateUpdated time.Time       `json:"date_updated"`
}

// itemResponse is one collection item. Map items carry Key, list items
// carry Index.
type itemResponse struct {
	Key         *string         `json:"key,omitempty"`
	Index       *uint64         `json:"index,omitempty"`
	Revision    string          `json:"revision"`
	LastEventID int64           `json:"last_event_id"`
	Data        json.RawMessage `json:"data"`
	DateUpdated time.Time       `json:"date_updated"`
}

type pageMeta struct {
	NextToken     string `json:"next_token,omitempty"`
	PreviousToken string `json:"previous_token,omitempty"`
}

// itemsResponse is one page of items. NextToken is set when items exist
// beyond the page in the requested order.
type itemsResponse struct {
	Items []itemResponse `json:"items"`
	Meta  pageMeta       `json:"meta"`
}

type dataRequest struct {
	Data json.RawMessage `json:"data"`
}

// StreamMessage is a message published to a stream.
type StreamMessage struct {
	Sid  string          `json:"sid"`
	Data json.RawMessage `json:"data"`
}

// SubscriptionAction is the verb of a subscription batch.
type SubscriptionAction string

const (
	ActionEstablish SubscriptionAction = "establish"
	ActionCancel    SubscriptionAction = "cancel"
)

// eventProtocolVersion is the push event format the client understands.
const eventProtocolVersion = 4

// SubscriptionTarget is one entity in a subscription batch.
// LastEventID asks the server to replay events after it.
type SubscriptionTarget struct {
	ObjectSid   string `json:"object_sid"`
	ObjectType  string `json:"object_type"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}

// SubscriptionRequest is the body of a subscription batch.
type SubscriptionRequest struct {
	EventProtocolVersion int                  `json:"event_protocol_version"`
	Action               SubscriptionAction   `json:"action"`
	CorrelationID        string               `json:"correlation_id"`
	Requests             []SubscriptionTarget `json:"requests"`
}

// SubscriptionResponse tells the client how long to wait for the
// per-entity notifications of a batch and how large batches may be.
type SubscriptionResponse struct {
	EstimatedDelivery time.Duration
	MaxBatchSize      int
}

type subscriptionResponse struct {
	EstimatedDeliveryInMs int64 `json:"estimated_delivery_in_ms"`
	MaxBatchSize          int   `json:"max_batch_size"`
}
