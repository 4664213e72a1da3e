package eventrouter

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEventTypeMessage is the CloudEvents type used for router messages
// carried across the CloudEvents boundary.
const CloudEventTypeMessage = "com.reactorattic.eventrouter.message"

// CloudEvents extension attribute names. Extension names must be lowercase
// alphanumeric per the CloudEvents specification.
const (
	extensionReplyTo = "replyto"
	extensionHeaders = "routerheaders"
)

// ToCloudEvent converts a router event into a CloudEvent for interop with
// CloudEvents-aware transports and observers. The routing key maps to the
// CloudEvents subject, the payload to JSON-encoded data, and the reply
// target and headers to extension attributes. The ErrorConsumer does not
// cross the boundary.
func ToCloudEvent(event Event, source string) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	ce.SetID(id)
	ce.SetSource(source)
	ce.SetType(CloudEventTypeMessage)
	ce.SetSubject(event.Key)
	if event.CreatedAt.IsZero() {
		ce.SetTime(time.Now())
	} else {
		ce.SetTime(event.CreatedAt)
	}
	ce.SetSpecVersion(cloudevents.VersionV1)

	if event.Payload != nil {
		if err := ce.SetData(cloudevents.ApplicationJSON, event.Payload); err != nil {
			return cloudevents.Event{}, fmt.Errorf("encoding event payload: %w", err)
		}
	}

	if event.ReplyTo != "" {
		ce.SetExtension(extensionReplyTo, event.ReplyTo)
	}
	if len(event.Headers) > 0 {
		headerJSON, err := json.Marshal(event.Headers)
		if err != nil {
			return cloudevents.Event{}, fmt.Errorf("encoding event headers: %w", err)
		}
		ce.SetExtension(extensionHeaders, string(headerJSON))
	}

	return ce, nil
}

// FromCloudEvent converts a CloudEvent back into a router event. The
// subject becomes the routing key (falling back to the CloudEvents type
// for events without a subject) and JSON data is decoded into a generic
// payload value.
func FromCloudEvent(ce cloudevents.Event) (Event, error) {
	event := Event{
		ID:        ce.ID(),
		Key:       ce.Subject(),
		CreatedAt: ce.Time(),
	}
	if event.Key == "" {
		event.Key = ce.Type()
	}

	if replyTo, ok := ce.Extensions()[extensionReplyTo]; ok {
		if s, ok := replyTo.(string); ok {
			event.ReplyTo = s
		}
	}

	if raw, ok := ce.Extensions()[extensionHeaders]; ok {
		if s, ok := raw.(string); ok {
			headers := make(map[string]string)
			if err := json.Unmarshal([]byte(s), &headers); err != nil {
				return Event{}, fmt.Errorf("decoding event headers: %w", err)
			}
			event.Headers = headers
		}
	}

	if data := ce.Data(); len(data) > 0 {
		var payload interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return Event{}, fmt.Errorf("decoding event payload: %w", err)
		}
		event.Payload = payload
	}

	return event, nil
}
