package eventrouter

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// SubscriptionSpec declares one subscription of a bean. Specs are plain
// records built at configuration time; no runtime annotation scanning or
// proxying is involved.
type SubscriptionSpec struct {
	// Selector is the pattern expression: an exact key for SelectorExact,
	// a template like "user/{id}/created" for SelectorURITemplate, and
	// unused for SelectorType.
	Selector string

	// Kind selects how the selector matches. Defaults to SelectorExact
	// when empty.
	Kind SelectorKind

	// PayloadType is the handler's declared parameter type. Required for
	// SelectorType; for key-based kinds it is optional and, when set,
	// payloads are converted to it before invocation.
	PayloadType reflect.Type

	// ReplyTo is the static reply target for the handler's return value.
	// Optional; when empty the originating event's ReplyTo applies.
	ReplyTo string

	// Async routes deliveries through the shared worker pool instead of
	// the subscription's own goroutine.
	Async bool

	// Handler processes matched events. Required.
	Handler Handler
}

// SubscriberProvider is implemented by beans that declare event
// subscriptions. The scanner collects these declarations once, when the
// container signals readiness.
type SubscriberProvider interface {
	// EventSubscriptions returns the bean's subscription declarations.
	// Called exactly once per scan.
	EventSubscriptions() []SubscriptionSpec
}

// Scanner walks bean instances supplied by the application container and
// registers their declared subscriptions with the dispatcher. It fires
// once per container-ready signal; repeated Scan calls are no-ops so a
// duplicated lifecycle callback cannot double-register handlers.
type Scanner struct {
	dispatcher *Dispatcher
	mu         sync.Mutex
	scanned    bool
}

// NewScanner creates a scanner bound to a dispatcher.
func NewScanner(dispatcher *Dispatcher) *Scanner {
	return &Scanner{dispatcher: dispatcher}
}

// Scan registers the subscriptions of every service implementing
// SubscriberProvider. Services are visited in sorted name order so
// registration order, and therefore dispatch order, is deterministic. A
// structurally invalid spec aborts the scan with a fatal error: it is a
// configuration defect, not a runtime event-data defect.
func (s *Scanner) Scan(ctx context.Context, services map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanned {
		return nil
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		provider, ok := services[name].(SubscriberProvider)
		if !ok {
			continue
		}
		for _, spec := range provider.EventSubscriptions() {
			if spec.Kind == "" {
				spec.Kind = SelectorExact
			}
			if _, err := s.dispatcher.subscribe(ctx, spec, name); err != nil {
				return fmt.Errorf("registering subscriptions for service %s: %w", name, err)
			}
		}
	}

	s.scanned = true
	return nil
}

// Scanned reports whether the scan has already run.
func (s *Scanner) Scanned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned
}
