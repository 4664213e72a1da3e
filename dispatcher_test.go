package eventrouter

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := &EventRouterConfig{}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	})
	return d
}

func exactSpec(selector string, handler Handler) SubscriptionSpec {
	return SubscriptionSpec{Selector: selector, Kind: SelectorExact, Handler: handler}
}

func TestDispatcherPublishBeforeStart(t *testing.T) {
	cfg := &EventRouterConfig{}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())

	err := d.Publish(context.Background(), Event{Key: "k"})
	assert.ErrorIs(t, err, ErrRouterNotStarted)

	_, err = d.Subscribe(context.Background(), exactSpec("k", func(ctx context.Context, e Event) (interface{}, error) { return nil, nil }))
	assert.ErrorIs(t, err, ErrRouterNotStarted)
}

func TestDispatcherNilHandler(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Subscribe(context.Background(), exactSpec("k", nil))
	assert.ErrorIs(t, err, ErrHandlerNil)
}

func TestDispatcherAsyncDelivery(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Selector:    "greeting",
		Kind:        SelectorExact,
		PayloadType: TypeOf[string](),
		Async:       true,
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			received <- event
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "greeting", Payload: "hello"}))

	select {
	case event := <-received:
		assert.Equal(t, "hello", event.Payload)
		assert.NotEmpty(t, event.ID)
		assert.NotNil(t, event.ProcessingStarted)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked within 1s")
	}
}

func TestDispatcherTemplateParamsInHeaders(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Selector: "order/{orderId}/item/{itemId}",
		Kind:     SelectorURITemplate,
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			received <- event
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{
		Key:     "order/7/item/3",
		Payload: "p",
		Headers: map[string]string{"tenant": "acme"},
	}))

	select {
	case event := <-received:
		assert.Equal(t, "7", event.Header("orderId"))
		assert.Equal(t, "3", event.Header("itemId"))
		assert.Equal(t, "acme", event.Header("tenant"))
	case <-time.After(time.Second):
		t.Fatal("handler not invoked within 1s")
	}
}

func TestDispatcherHeaderIsolationBetweenDeliveries(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	templateHeaders := make(chan map[string]string, 1)
	exactHeaders := make(chan map[string]string, 1)

	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Selector: "user/{id}",
		Kind:     SelectorURITemplate,
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			templateHeaders <- event.Headers
			return nil, nil
		},
	})
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, exactSpec("user/9", func(ctx context.Context, event Event) (interface{}, error) {
		exactHeaders <- event.Headers
		return nil, nil
	}))
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "user/9"}))

	select {
	case h := <-templateHeaders:
		assert.Equal(t, "9", h["id"])
	case <-time.After(time.Second):
		t.Fatal("template handler not invoked within 1s")
	}
	select {
	case h := <-exactHeaders:
		// The exact subscription must not observe the template's binding.
		_, present := h["id"]
		assert.False(t, present)
	case <-time.After(time.Second):
		t.Fatal("exact handler not invoked within 1s")
	}
}

func TestDispatcherReplyToStaticTarget(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	replies := make(chan Event, 1)
	_, err := d.Subscribe(ctx, exactSpec("pong", func(ctx context.Context, event Event) (interface{}, error) {
		replies <- event
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = d.Subscribe(ctx, SubscriptionSpec{
		Selector: "ping",
		Kind:     SelectorExact,
		ReplyTo:  "pong",
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			return "pong-payload", nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "ping", Payload: "ping-payload"}))

	select {
	case reply := <-replies:
		assert.Equal(t, "pong-payload", reply.Payload)
		assert.NotEmpty(t, reply.Header(HeaderCorrelationID))
	case <-time.After(time.Second):
		t.Fatal("reply subscriber not invoked within 1s")
	}

	stats := d.Stats()
	assert.GreaterOrEqual(t, stats.Replied, uint64(1))
}

func TestDispatcherReplyToEventTarget(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	replies := make(chan Event, 1)
	_, err := d.Subscribe(ctx, exactSpec("answers", func(ctx context.Context, event Event) (interface{}, error) {
		replies <- event
		return nil, nil
	}))
	require.NoError(t, err)

	// The subscription declares no static target, so the event's ReplyTo
	// applies.
	_, err = d.Subscribe(ctx, exactSpec("question", func(ctx context.Context, event Event) (interface{}, error) {
		return 42, nil
	}))
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "question", ReplyTo: "answers"}))

	select {
	case reply := <-replies:
		assert.Equal(t, 42, reply.Payload)
	case <-time.After(time.Second):
		t.Fatal("reply subscriber not invoked within 1s")
	}
}

func TestDispatcherNilReturnEmitsNoReply(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	var replyCount atomic.Int64
	_, err := d.Subscribe(ctx, exactSpec("sink", func(ctx context.Context, event Event) (interface{}, error) {
		replyCount.Add(1)
		return nil, nil
	}))
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	_, err = d.Subscribe(ctx, exactSpec("fire", func(ctx context.Context, event Event) (interface{}, error) {
		done <- struct{}{}
		return nil, nil
	}))
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "fire", ReplyTo: "sink"}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked within 1s")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), replyCount.Load())
}

func TestDispatcherHandlerErrorRoutedToErrorConsumer(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	handlerErr := errors.New("boom")
	_, err := d.Subscribe(ctx, exactSpec("explode", func(ctx context.Context, event Event) (interface{}, error) {
		return nil, handlerErr
	}))
	require.NoError(t, err)

	// An unrelated subscription on the same key must still be dispatched.
	sibling := make(chan Event, 1)
	_, err = d.Subscribe(ctx, exactSpec("explode", func(ctx context.Context, event Event) (interface{}, error) {
		sibling <- event
		return nil, nil
	}))
	require.NoError(t, err)

	failures := make(chan DeliveryFailure, 2)
	require.NoError(t, d.Publish(ctx, Event{
		Key:     "explode",
		Payload: "p",
		ErrorConsumer: func(ctx context.Context, failure DeliveryFailure) {
			failures <- failure
		},
	}))

	select {
	case failure := <-failures:
		assert.ErrorIs(t, failure.Err, handlerErr)
		assert.Equal(t, "p", failure.Event.Payload)
		assert.NotEmpty(t, failure.SubscriptionID)
	case <-time.After(30 * time.Second):
		t.Fatal("error consumer not invoked within bounded wait")
	}

	select {
	case <-sibling:
	case <-time.After(time.Second):
		t.Fatal("sibling subscription was not dispatched")
	}

	// Exactly once: no second failure may arrive.
	select {
	case extra := <-failures:
		t.Fatalf("unexpected second failure: %v", extra.Err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherConversionFailureRoutedToErrorConsumer(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	var invoked atomic.Int64
	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Selector:    "typed",
		Kind:        SelectorExact,
		PayloadType: TypeOf[int](),
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			invoked.Add(1)
			return nil, nil
		},
	})
	require.NoError(t, err)

	failures := make(chan DeliveryFailure, 1)
	require.NoError(t, d.Publish(ctx, Event{
		Key:     "typed",
		Payload: "not an int",
		ErrorConsumer: func(ctx context.Context, failure DeliveryFailure) {
			failures <- failure
		},
	}))

	select {
	case failure := <-failures:
		var convErr *ConversionError
		require.ErrorAs(t, failure.Err, &convErr)
		assert.ErrorIs(t, failure.Err, ErrNoConverter)
	case <-time.After(time.Second):
		t.Fatal("error consumer not invoked within 1s")
	}
	assert.Equal(t, int64(0), invoked.Load())
}

func TestDispatcherConvertsPayloadForHandler(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Converters().Register(TypeOf[int](), TypeOf[string](), func(v interface{}) (interface{}, error) {
		return strconv.Itoa(v.(int)), nil
	}))

	received := make(chan Event, 1)
	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Selector:    "typed",
		Kind:        SelectorExact,
		PayloadType: TypeOf[string](),
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			received <- event
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, Event{Key: "typed", Payload: 42}))

	select {
	case event := <-received:
		assert.Equal(t, "42", event.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked within 1s")
	}
}

func TestDispatcherTypeSelectorDelivery(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	_, err := d.Subscribe(ctx, SubscriptionSpec{
		Kind:        SelectorType,
		PayloadType: TypeOf[string](),
		Handler: func(ctx context.Context, event Event) (interface{}, error) {
			received <- event
			return nil, nil
		},
	})
	require.NoError(t, err)

	// Key is irrelevant for type-predicate subscriptions.
	require.NoError(t, d.Publish(ctx, Event{Key: "whatever/key", Payload: "typed payload"}))

	select {
	case event := <-received:
		assert.Equal(t, "typed payload", event.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked within 1s")
	}

	// Non-matching payload type is silently unrouted.
	require.NoError(t, d.Publish(ctx, Event{Key: "whatever/key", Payload: 42}))
	select {
	case <-received:
		t.Fatal("type selector matched a non-assignable payload")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherRepublishReevaluatesMatches(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	first := make(chan Event, 2)
	_, err := d.Subscribe(ctx, exactSpec("repeat", func(ctx context.Context, event Event) (interface{}, error) {
		first <- event
		return nil, nil
	}))
	require.NoError(t, err)

	event := Event{Key: "repeat", Payload: "same"}
	require.NoError(t, d.Publish(ctx, event))
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first publish not delivered within 1s")
	}

	// A subscriber registered between publishes must see the second
	// publish of the same event value: matches are never cached by event
	// identity.
	second := make(chan Event, 1)
	_, err = d.Subscribe(ctx, exactSpec("repeat", func(ctx context.Context, event Event) (interface{}, error) {
		second <- event
		return nil, nil
	}))
	require.NoError(t, err)

	require.NoError(t, d.Publish(ctx, event))
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("second publish missed the original subscriber")
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second publish missed the newly registered subscriber")
	}
}

func TestDispatcherFIFOPerSubscriber(t *testing.T) {
	cfg := &EventRouterConfig{EventBufferSize: 64, DeliveryMode: DeliveryModeBlock}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()
	ctx := context.Background()

	const count = 50
	received := make(chan int, count)
	_, err := d.Subscribe(ctx, exactSpec("ordered", func(ctx context.Context, event Event) (interface{}, error) {
		received <- event.Payload.(int)
		return nil, nil
	}))
	require.NoError(t, err)

	for i := 0; i < count; i++ {
		require.NoError(t, d.Publish(ctx, Event{Key: "ordered", Payload: i}))
	}

	for i := 0; i < count; i++ {
		select {
		case got := <-received:
			require.Equal(t, i, got, "delivery order must match publish order")
		case <-time.After(time.Second):
			t.Fatalf("delivery %d not received within 1s", i)
		}
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	sub, err := d.Subscribe(ctx, exactSpec("leave", func(ctx context.Context, event Event) (interface{}, error) {
		received <- event
		return nil, nil
	}))
	require.NoError(t, err)

	require.NoError(t, d.Unsubscribe(ctx, sub))
	require.NoError(t, d.Publish(ctx, Event{Key: "leave"}))

	select {
	case <-received:
		t.Fatal("cancelled subscription received an event")
	case <-time.After(100 * time.Millisecond):
	}

	assert.ErrorIs(t, d.Unsubscribe(ctx, nil), ErrSubscriptionNil)
}

func TestDispatcherDropModeCountsDrops(t *testing.T) {
	cfg := &EventRouterConfig{WorkerCount: 1, EventBufferSize: 1, DeliveryMode: DeliveryModeDrop}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()
	ctx := context.Background()

	block := make(chan struct{})
	_, err := d.Subscribe(ctx, exactSpec("congested", func(ctx context.Context, event Event) (interface{}, error) {
		<-block
		return nil, nil
	}))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Publish(ctx, Event{Key: "congested", Payload: i}))
	}
	close(block)

	stats := d.Stats()
	assert.Greater(t, stats.Dropped, uint64(0), "tiny buffer with a blocked handler must drop")
}

func TestDispatcherTimeoutModeReturnsAndCountsDrops(t *testing.T) {
	cfg := &EventRouterConfig{
		WorkerCount:         1,
		EventBufferSize:     1,
		DeliveryMode:        DeliveryModeTimeout,
		PublishBlockTimeout: 20 * time.Millisecond,
	}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()
	ctx := context.Background()

	block := make(chan struct{})
	_, err := d.Subscribe(ctx, exactSpec("stalled", func(ctx context.Context, event Event) (interface{}, error) {
		<-block
		return nil, nil
	}))
	require.NoError(t, err)

	// Saturate the one-slot buffer behind a blocked handler. Every publish
	// must return: timed-out deliveries are dropped, never held.
	published := make(chan struct{})
	var pubErr error
	go func() {
		defer close(published)
		for i := 0; i < 3; i++ {
			if pubErr = d.Publish(ctx, Event{Key: "stalled", Payload: i}); pubErr != nil {
				return
			}
		}
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked past the configured timeout")
	}
	require.NoError(t, pubErr)
	close(block)

	stats := d.Stats()
	assert.Greater(t, stats.Dropped, uint64(0), "saturated timeout mode must drop")
}

func TestDispatcherStopDrainsWithinContext(t *testing.T) {
	cfg := &EventRouterConfig{}
	require.NoError(t, cfg.ValidateConfig())
	d := NewDispatcher(cfg, NewConverterRegistry())
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Subscribe(context.Background(), exactSpec("k", func(ctx context.Context, event Event) (interface{}, error) { return nil, nil }))
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	// Stop is idempotent.
	require.NoError(t, d.Stop(stopCtx))
}
