package eventrouter

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// Router state errors
	ErrRouterNotStarted      = errors.New("event router not started")
	ErrRouterShutdownTimeout = errors.New("event router shutdown timed out")

	// Subscription errors
	ErrHandlerNil           = errors.New("subscription handler cannot be nil")
	ErrSubscriptionNil      = errors.New("subscription cannot be nil")
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// Conversion errors
	ErrNoConverter  = errors.New("no converter registered for payload type")
	ErrConverterNil = errors.New("converter function cannot be nil")
)

// ConversionError indicates that an event payload could not be adapted to
// a handler's declared parameter type. It is a per-delivery failure: it is
// routed to the event's ErrorConsumer and never aborts sibling deliveries.
type ConversionError struct {
	// Source is the runtime type of the payload, nil for nil payloads.
	Source reflect.Type

	// Target is the handler's declared parameter type.
	Target reflect.Type

	// Err is the underlying cause, ErrNoConverter when no registry entry
	// exists for the (Source, Target) pair.
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert payload from %v to %v: %v", e.Source, e.Target, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// RegistrationError indicates a structurally invalid subscription, such as
// a malformed URI template selector. Unlike runtime delivery failures it is
// fatal: it fails Subscribe and, when raised during the startup scan, fails
// router startup.
type RegistrationError struct {
	// Pattern is the selector expression that failed to compile.
	Pattern string

	// Reason describes the structural defect.
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("invalid subscription selector %q: %s", e.Pattern, e.Reason)
}

// ErrNoSubjectForEventEmission is returned when trying to emit events
// before an observer subject has been registered.
var ErrNoSubjectForEventEmission = errors.New("no subject available for event emission")
