package eventrouter

import (
	"reflect"
	"sync"
)

// Subscription represents a registered (selector, handler) pair. It is
// created by the dispatcher at registration time and immutable thereafter;
// cancelling is the only state change. Each subscription owns a buffered
// delivery channel drained by a dedicated goroutine, which preserves
// publish order per (selector, subscriber) pair.
type Subscription struct {
	id       string
	selector *Selector
	handler  Handler
	replyTo  string
	owner    string
	isAsync  bool

	deliveryCh chan Event
	done       chan struct{}
	finished   chan struct{}
	cancelled  bool
	mutex      sync.RWMutex
}

// ID returns the unique identifier for this subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Pattern returns the selector expression being subscribed to.
func (s *Subscription) Pattern() string {
	return s.selector.Expr()
}

// Kind returns the subscription's selector kind.
func (s *Subscription) Kind() SelectorKind {
	return s.selector.Kind()
}

// ReplyTo returns the static reply target, empty when the subscription
// defers to the originating event's ReplyTo.
func (s *Subscription) ReplyTo() string {
	return s.replyTo
}

// Owner returns the identity of the bean that declared the subscription,
// empty for directly registered subscriptions.
func (s *Subscription) Owner() string {
	return s.owner
}

// IsAsync returns true if deliveries hop onto the shared worker pool
// instead of running on the subscription's own goroutine.
func (s *Subscription) IsAsync() bool {
	return s.isAsync
}

// isCancelled is a helper for internal fast path checks without exposing lock details
func (s *Subscription) isCancelled() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cancelled
}

// Cancel cancels the subscription. After Cancel the subscription no longer
// receives events. Idempotent and safe to call multiple times.
func (s *Subscription) Cancel() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancelled {
		return nil
	}

	close(s.done)
	s.cancelled = true
	return nil
}

// SubscriptionMatch pairs a matched subscription with the parameters bound
// by its selector for a particular event key.
type SubscriptionMatch struct {
	Subscription *Subscription
	Params       Params
}

// SubscriptionRegistry holds the ordered set of active subscriptions.
// Registration order is preserved and Lookup returns matches in that
// order; there is no priority system. The registry is built during the
// startup scan and read concurrently on every publish, so all access is
// guarded even though registration rarely interleaves with dispatch.
type SubscriptionRegistry struct {
	mu      sync.RWMutex
	ordered []*Subscription
	byID    map[string]*Subscription
}

// NewSubscriptionRegistry creates an empty subscription registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byID: make(map[string]*Subscription),
	}
}

// Register appends a subscription. Multiple subscriptions may share a
// selector expression.
func (r *SubscriptionRegistry) Register(sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, sub)
	r.byID[sub.id] = sub
	return nil
}

// Remove deletes a subscription by ID and returns it, or nil when the ID
// is unknown.
func (r *SubscriptionRegistry) Remove(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)

	for i, s := range r.ordered {
		if s.id == id {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return sub
}

// Lookup returns all subscriptions matching the event key and payload
// type, in registration order, each paired with its bound parameters.
// Zero matches is a normal outcome. Cancelled subscriptions are skipped.
func (r *SubscriptionRegistry) Lookup(key string, payloadType reflect.Type, conv *ConverterRegistry) []SubscriptionMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []SubscriptionMatch
	for _, sub := range r.ordered {
		if sub.isCancelled() {
			continue
		}
		if params, ok := sub.selector.Match(key, payloadType, conv); ok {
			matches = append(matches, SubscriptionMatch{Subscription: sub, Params: params})
		}
	}
	return matches
}

// Selectors returns the distinct selector expressions that currently have
// at least one active subscription.
func (r *SubscriptionRegistry) Selectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	selectors := make([]string, 0, len(r.ordered))
	for _, sub := range r.ordered {
		expr := sub.selector.Expr()
		if !seen[expr] {
			seen[expr] = true
			selectors = append(selectors, expr)
		}
	}
	return selectors
}

// SubscriberCount returns the number of active subscriptions registered
// under the given selector expression.
func (r *SubscriptionRegistry) SubscriberCount(expr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.ordered {
		if sub.selector.Expr() == expr {
			count++
		}
	}
	return count
}

// Count returns the total number of registered subscriptions.
func (r *SubscriptionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// snapshot returns a copy of the ordered subscription slice.
func (r *SubscriptionRegistry) snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]*Subscription, len(r.ordered))
	copy(subs, r.ordered)
	return subs
}
