package syncclient

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
)

// Stream is an open message stream. Messages are not cached.
type Stream struct {
	*handle
}

// OpenStream opens a stream by sid or unique name.
func (c *Client) OpenStream(ctx context.Context, sidOrName string) (*Stream, error) {
	h, _, err := c.open(ctx, cache.EntityStream, sidOrName, false)
	if err != nil {
		return nil, err
	}

	return &Stream{handle: h}, nil
}

// Publish sends a message to the stream. Subscribers, this one
// included, see it through Events once the server echoes it.
func (s *Stream) Publish(ctx context.Context, data json.RawMessage) (backend.StreamMessage, error) {
	return s.client.backend.PublishMessage(ctx, s.sid, data)
}
