package subscriptions

import (
	"encoding/json"
	"strings"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/tidwall/gjson"
)

// RemoteEvent is a data event pushed for one entity. EventID orders
// events of the same entity and is zero when the event carries none.
type RemoteEvent struct {
	EntitySid string
	EventType string
	EventID   int64
	Payload   json.RawMessage
}

const (
	eventEstablished = "subscription_established"
	eventCancelled   = "subscription_cancelled"
	eventFailed      = "subscription_failed"

	replayInterrupted = "interrupted"
)

// terminal is a per-entity outcome of a subscription batch.
type terminal struct {
	eventType     string
	sid           string
	correlationID string
	replayStatus  string
	err           error
}

var entitySidPaths = []string{"map_sid", "list_sid", "document_sid", "stream_sid", "object_sid"}

// classify splits a notification payload into either a subscription
// outcome or a data event.
func classify(payload []byte) (*terminal, *RemoteEvent, bool) {
	if !gjson.ValidBytes(payload) {
		return nil, nil, false
	}

	eventType := gjson.GetBytes(payload, "event_type").String()
	if eventType == "" {
		return nil, nil, false
	}

	if strings.HasPrefix(eventType, "subscription_") {
		res := gjson.GetManyBytes(payload, "object_sid", "correlation_id", "replay_status", "error")

		t := &terminal{
			eventType:     eventType,
			sid:           res[0].String(),
			correlationID: res[1].String(),
			replayStatus:  res[2].String(),
		}

		if eventType == eventFailed {
			t.err = failureError(res[3])
		}

		return t, nil, true
	}

	ev := &RemoteEvent{
		EventType: eventType,
		EventID:   gjson.GetBytes(payload, "id").Int(),
		Payload:   json.RawMessage(payload),
	}

	for _, r := range gjson.GetManyBytes(payload, entitySidPaths...) {
		if s := r.String(); s != "" {
			ev.EntitySid = s
			break
		}
	}

	return nil, ev, true
}

func failureError(e gjson.Result) error {
	msg := e.Get("message").String()
	if msg == "" {
		msg = "subscription failed"
	}

	if status := int(e.Get("status").Int()); status != 0 {
		return syncerr.FromStatus(status, "", msg, int(e.Get("code").Int()))
	}

	return &syncerr.ErrorInfo{Reason: syncerr.CommandPermanentError, Code: int(e.Get("code").Int()), Message: msg}
}
