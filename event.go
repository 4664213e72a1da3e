package eventrouter

import (
	"context"
	"time"
)

// Event represents a routed message in the event router.
// Events are the core data structure used for communication between
// publishers and subscribers. They carry the message payload along with
// the routing metadata used for selector matching, reply addressing,
// and per-event failure delivery.
type Event struct {
	// ID is the unique identifier of the event.
	// Assigned automatically on publish when empty.
	ID string `json:"id"`

	// Key is the routing key of the event.
	// Keys are matched against subscription selectors to find the
	// set of handlers an event is delivered to. Keys can use
	// hierarchical segments like "user/created" or "order/123/payment".
	Key string `json:"key"`

	// Payload is the data associated with the event.
	// This can be any value; it is adapted to each handler's declared
	// parameter type through the converter registry at delivery time.
	Payload interface{} `json:"payload"`

	// Headers contains additional string metadata about the event.
	// URI-template selectors merge their bound path parameters into a
	// copy of this map before handler invocation, so the map observed
	// by one handler never leaks into another delivery.
	// Optional field that can be nil if no headers are needed.
	Headers map[string]string `json:"headers,omitempty"`

	// ReplyTo is the routing key a handler's return value is republished
	// to when the matched subscription does not declare its own static
	// reply target. Optional.
	ReplyTo string `json:"replyTo,omitempty"`

	// ErrorConsumer receives per-delivery failures (conversion errors and
	// handler errors) for this event. When nil, failures are logged and
	// dropped. Never serialized.
	ErrorConsumer ErrorConsumer `json:"-"`

	// CreatedAt is when the event was published.
	CreatedAt time.Time `json:"createdAt"`

	// ProcessingStarted is when handler processing of the event started.
	// Set per delivery; used for performance monitoring.
	ProcessingStarted *time.Time `json:"processingStarted,omitempty"`

	// ProcessingCompleted is when handler processing of the event
	// completed, whether successfully or with an error.
	ProcessingCompleted *time.Time `json:"processingCompleted,omitempty"`
}

// Header returns the value of a header, or the empty string when the
// header is absent or the map is nil.
func (e Event) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// Handler is a function that handles a delivered event.
// The event's payload has already been converted to the subscription's
// declared parameter type when the handler runs. A non-nil return value
// is wrapped into a new Event and republished to the subscription's
// reply target (or the event's ReplyTo); a nil return value emits no
// reply. A returned error is routed to the event's ErrorConsumer and
// never reaches the publisher.
//
// The context is the router's run context; handlers should respect its
// cancellation and return promptly during shutdown.
type Handler func(ctx context.Context, event Event) (interface{}, error)

// ErrorConsumer is a callback invoked when a delivery for an event fails.
// It runs on the worker that processed the failing delivery, once per
// failed (event, subscription) pair.
type ErrorConsumer func(ctx context.Context, failure DeliveryFailure)

// DeliveryFailure describes a single failed delivery. It carries both the
// originating event (payload included) and the error that caused the
// failure, alongside the identity of the subscription whose processing
// failed.
type DeliveryFailure struct {
	// Event is the originating event as it was handed to the failing
	// delivery, headers already augmented with any matched parameters.
	Event Event

	// SubscriptionID identifies the subscription whose conversion or
	// handler invocation failed.
	SubscriptionID string

	// Err is the conversion or handler error.
	Err error
}

// DeliveryStats holds cumulative delivery counters for the router.
type DeliveryStats struct {
	// Delivered counts deliveries whose handler ran to successful
	// completion.
	Delivered uint64 `json:"delivered"`

	// Dropped counts deliveries discarded at publish time because a
	// subscription channel or the worker pool was saturated.
	Dropped uint64 `json:"dropped"`

	// Failed counts deliveries that ended in a conversion or handler
	// error.
	Failed uint64 `json:"failed"`

	// Replied counts reply events republished from handler return values.
	Replied uint64 `json:"replied"`
}
