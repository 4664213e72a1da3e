package eventrouter

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Dispatcher routes published events to matching subscriptions and runs
// their handlers on background goroutines. Publish is fire-and-forget:
// it enqueues one delivery per matching subscription and returns without
// waiting for handler completion. Each delivery is independent; a
// conversion or handler failure is routed to the event's ErrorConsumer
// and never prevents sibling deliveries or reaches the publisher.
type Dispatcher struct {
	config     *EventRouterConfig
	registry   *SubscriptionRegistry
	converters *ConverterRegistry
	workerPool chan func()
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	isStarted  bool
	stateMu    sync.Mutex
	module     *EventRouterModule // Reference to emit lifecycle events

	deliveredCount uint64
	droppedCount   uint64
	failedCount    uint64
	repliedCount   uint64
}

// delivery is one (event, subscription) dispatch unit. The event carries
// its own headers copy, already augmented with matched parameters.
type delivery struct {
	event Event
	sub   *Subscription
}

// NewDispatcher creates a dispatcher backed by the given converter
// registry. The subscription registry starts empty and is populated by
// the startup scan or runtime Subscribe calls.
func NewDispatcher(config *EventRouterConfig, converters *ConverterRegistry) *Dispatcher {
	if converters == nil {
		converters = NewConverterRegistry()
	}
	return &Dispatcher{
		config:     config,
		registry:   NewSubscriptionRegistry(),
		converters: converters,
	}
}

// setModule sets the parent module for lifecycle event emission.
func (d *Dispatcher) setModule(module *EventRouterModule) {
	d.module = module
}

// Registry returns the dispatcher's subscription registry.
func (d *Dispatcher) Registry() *SubscriptionRegistry {
	return d.registry
}

// Converters returns the dispatcher's converter registry.
func (d *Dispatcher) Converters() *ConverterRegistry {
	return d.converters
}

// Start initializes the worker pool. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.isStarted {
		return nil
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.workerPool = make(chan func(), d.config.WorkerCount)
	for i := 0; i < d.config.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.isStarted = true
	return nil
}

// Stop shuts down the dispatcher: no new events are accepted and
// in-flight deliveries are drained, bounded by the passed context.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.isStarted {
		return nil
	}

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All subscription goroutines and workers exited gracefully
	case <-ctx.Done():
		return ErrRouterShutdownTimeout
	}

	d.isStarted = false
	return nil
}

// Subscribe registers a subscription from the given spec and starts its
// delivery goroutine. A structurally invalid spec returns a
// *RegistrationError.
func (d *Dispatcher) Subscribe(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	return d.subscribe(ctx, spec, "")
}

// subscribe is the internal registration path shared with the scanner;
// owner carries the declaring bean's identity.
func (d *Dispatcher) subscribe(ctx context.Context, spec SubscriptionSpec, owner string) (*Subscription, error) {
	d.stateMu.Lock()
	started := d.isStarted
	d.stateMu.Unlock()
	if !started {
		return nil, ErrRouterNotStarted
	}

	if spec.Handler == nil {
		return nil, ErrHandlerNil
	}

	selector, err := CompileSelector(spec.Kind, spec.Selector, spec.PayloadType)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:         uuid.New().String(),
		selector:   selector,
		handler:    spec.Handler,
		replyTo:    spec.ReplyTo,
		owner:      owner,
		isAsync:    spec.Async,
		deliveryCh: make(chan Event, d.config.EventBufferSize),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}

	if err := d.registry.Register(sub); err != nil {
		return nil, err
	}

	d.emitEvent(ctx, EventTypeSubscriptionCreated, map[string]interface{}{
		"selector":        sub.Pattern(),
		"kind":            string(sub.Kind()),
		"subscription_id": sub.id,
		"owner":           owner,
	})

	// Start the delivery goroutine and wait for it to be ready
	ready := make(chan struct{})
	d.wg.Add(1)
	go func() {
		close(ready)
		d.handleDeliveries(sub)
	}()
	<-ready

	return sub, nil
}

// Unsubscribe cancels a subscription and removes it from the registry.
func (d *Dispatcher) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNil
	}

	if err := sub.Cancel(); err != nil {
		return err
	}

	removed := d.registry.Remove(sub.id)

	// Wait (briefly) for the delivery goroutine to terminate to avoid
	// post-unsubscribe deliveries.
	select {
	case <-sub.finished:
	case <-time.After(100 * time.Millisecond):
	}

	if removed == nil {
		return ErrSubscriptionNotFound
	}

	d.emitEvent(ctx, EventTypeSubscriptionRemoved, map[string]interface{}{
		"selector":        sub.Pattern(),
		"subscription_id": sub.id,
	})
	return nil
}

// Publish routes an event to all matching subscriptions. It returns after
// all matching deliveries are enqueued; handler execution happens on
// background goroutines. Zero matches is a normal outcome. Matches are
// re-evaluated on every call, including for replies republished through
// the same dispatcher.
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	d.stateMu.Lock()
	started := d.isStarted
	d.stateMu.Unlock()
	if !started {
		return ErrRouterNotStarted
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now()

	matches := d.registry.Lookup(event.Key, reflect.TypeOf(event.Payload), d.converters)
	if len(matches) == 0 {
		return nil
	}

	mode := d.config.DeliveryMode
	blockTimeout := d.config.PublishBlockTimeout

	for _, match := range matches {
		sub := match.Subscription
		if sub.isCancelled() {
			continue
		}

		ev := event
		ev.Headers = mergeParams(event.Headers, match.Params)

		var sent bool
		switch mode {
		case DeliveryModeBlock:
			select {
			case sub.deliveryCh <- ev:
				sent = true
			case <-ctx.Done():
				// treat as drop due to cancellation
			}
		case DeliveryModeTimeout:
			if blockTimeout <= 0 {
				select {
				case sub.deliveryCh <- ev:
					sent = true
				default:
				}
			} else {
				deadline := time.NewTimer(blockTimeout)
				select {
				case sub.deliveryCh <- ev:
					sent = true
				case <-deadline.C:
					// timeout drop
				case <-ctx.Done():
				}
				deadline.Stop()
			}
		default: // drop
			select {
			case sub.deliveryCh <- ev:
				sent = true
			default:
			}
		}
		if !sent {
			atomic.AddUint64(&d.droppedCount, 1)
		}
	}

	return nil
}

// mergeParams copies headers and overlays the bound parameters so each
// delivery observes its own header map.
func mergeParams(headers map[string]string, params Params) map[string]string {
	merged := make(map[string]string, len(headers)+len(params))
	for k, v := range headers {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// handleDeliveries drains a subscription's channel. Synchronous
// subscriptions process on this goroutine, which preserves publish order
// per (selector, subscriber); async subscriptions hop onto the shared
// worker pool.
func (d *Dispatcher) handleDeliveries(sub *Subscription) {
	defer d.wg.Done()
	defer close(sub.finished)

	for {
		// Fast path: exit before selecting to avoid processing backlog after unsubscribe
		if sub.isCancelled() {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.deliveryCh:
			// Re-check cancellation after dequeue to avoid processing additional events post-unsubscribe.
			if sub.isCancelled() {
				return
			}
			if sub.isAsync {
				d.queueDelivery(delivery{event: event, sub: sub})
				continue
			}
			d.process(delivery{event: event, sub: sub})
		}
	}
}

// queueDelivery hands a delivery to the worker pool, dropping it when the
// pool is saturated.
func (d *Dispatcher) queueDelivery(del delivery) {
	select {
	case d.workerPool <- func() { d.process(del) }:
	default:
		atomic.AddUint64(&d.droppedCount, 1)
	}
}

// worker is a goroutine that processes deliveries from the worker pool.
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case task := <-d.workerPool:
			task()
		}
	}
}

// process runs the per-delivery pipeline: payload conversion, handler
// invocation, reply republish, and failure routing. Each branch is
// terminal for this (event, subscription) pair.
func (d *Dispatcher) process(del delivery) {
	event := del.event
	sub := del.sub

	now := time.Now()
	event.ProcessingStarted = &now

	converted, err := d.converters.Convert(event.Payload, sub.selector.PayloadType())
	if err != nil {
		d.fail(event, sub, err)
		return
	}
	event.Payload = converted

	result, err := sub.handler(d.ctx, event)
	completed := time.Now()
	event.ProcessingCompleted = &completed

	if err != nil {
		d.fail(event, sub, err)
		return
	}

	atomic.AddUint64(&d.deliveredCount, 1)
	d.emitEvent(d.ctx, EventTypeMessageDelivered, map[string]interface{}{
		"key":             event.Key,
		"subscription_id": sub.id,
	})

	if result != nil {
		d.reply(event, sub, result)
	}
}

// reply wraps a handler's return value as a new event and republishes it
// to the subscription's static reply target, falling back to the
// originating event's ReplyTo. No target means no reply.
func (d *Dispatcher) reply(event Event, sub *Subscription, result interface{}) {
	target := sub.replyTo
	if target == "" {
		target = event.ReplyTo
	}
	if target == "" {
		return
	}

	replyEvent := Event{
		Key:     target,
		Payload: result,
		Headers: map[string]string{
			HeaderCorrelationID: event.ID,
		},
		ErrorConsumer: event.ErrorConsumer,
	}

	if err := d.Publish(d.ctx, replyEvent); err != nil {
		slog.Error("Reply publish failed", "error", err, "target", target, "correlation_id", event.ID)
		return
	}

	atomic.AddUint64(&d.repliedCount, 1)
	d.emitEvent(d.ctx, EventTypeReplyPublished, map[string]interface{}{
		"target":          target,
		"subscription_id": sub.id,
		"correlation_id":  event.ID,
	})
}

// fail routes a per-delivery failure to the event's ErrorConsumer, or
// logs it when none is wired. Failures never cross subscription
// boundaries and never abort the publish call.
func (d *Dispatcher) fail(event Event, sub *Subscription, err error) {
	atomic.AddUint64(&d.failedCount, 1)

	d.emitEvent(d.ctx, EventTypeMessageFailed, map[string]interface{}{
		"key":             event.Key,
		"subscription_id": sub.id,
		"error":           err.Error(),
	})

	if event.ErrorConsumer != nil {
		event.ErrorConsumer(d.ctx, DeliveryFailure{
			Event:          event,
			SubscriptionID: sub.id,
			Err:            err,
		})
		return
	}

	slog.Error("Event delivery failed", "error", err, "key", event.Key, "subscription_id", sub.id)
}

// emitEvent emits a lifecycle event through the module if attached.
func (d *Dispatcher) emitEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.module != nil {
		d.module.emitEvent(ctx, eventType, data)
	}
}

// Stats returns cumulative delivery counters for monitoring and testing.
func (d *Dispatcher) Stats() DeliveryStats {
	return DeliveryStats{
		Delivered: atomic.LoadUint64(&d.deliveredCount),
		Dropped:   atomic.LoadUint64(&d.droppedCount),
		Failed:    atomic.LoadUint64(&d.failedCount),
		Replied:   atomic.LoadUint64(&d.repliedCount),
	}
}
