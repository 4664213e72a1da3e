package eventrouter

// Header names used by the router on delivered and republished events.
const (
	// HeaderCorrelationID carries the originating event's ID on reply
	// events so request/reply pairs can be correlated.
	HeaderCorrelationID = "correlationId"
)

// Event type constants for eventrouter module events.
// Following CloudEvents specification reverse domain notation.
const (
	// Message events
	EventTypeMessagePublished = "com.reactorattic.eventrouter.message.published"
	EventTypeMessageDelivered = "com.reactorattic.eventrouter.message.delivered"
	EventTypeMessageFailed    = "com.reactorattic.eventrouter.message.failed"

	// Reply events
	EventTypeReplyPublished = "com.reactorattic.eventrouter.reply.published"

	// Subscription events
	EventTypeSubscriptionCreated = "com.reactorattic.eventrouter.subscription.created"
	EventTypeSubscriptionRemoved = "com.reactorattic.eventrouter.subscription.removed"

	// Router lifecycle events
	EventTypeRouterStarted = "com.reactorattic.eventrouter.router.started"
	EventTypeRouterStopped = "com.reactorattic.eventrouter.router.stopped"

	// Configuration events
	EventTypeConfigLoaded = "com.reactorattic.eventrouter.config.loaded"
)
