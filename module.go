package eventrouter

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/GoCodeAlone/modular"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ModuleName is the name of this module
const ModuleName = "eventrouter"

// ServiceName is the name of the service provided by this module
const ServiceName = "eventrouter.provider"

// EventRouterModule plugs the event router into a modular application.
// It registers configuration, builds the dispatcher and its registries
// during Init, and runs the container-boundary scan when the application
// signals readiness through Start.
type EventRouterModule struct {
	name       string
	config     *EventRouterConfig
	logger     modular.Logger
	app        modular.Application
	dispatcher *Dispatcher
	scanner    *Scanner
	subject    modular.Subject
	subjectMu  sync.RWMutex
	mutex      sync.RWMutex
	isStarted  bool
}

// NewModule creates a new instance of the event router module
func NewModule() modular.Module {
	return &EventRouterModule{
		name: ModuleName,
	}
}

// Name returns the name of the module
func (m *EventRouterModule) Name() string {
	return m.name
}

// RegisterConfig registers the module's configuration structure
func (m *EventRouterModule) RegisterConfig(app modular.Application) error {
	defaultConfig := &EventRouterConfig{
		WorkerCount:     5,
		EventBufferSize: 10,
		DeliveryMode:    DeliveryModeDrop,
	}

	app.RegisterConfigSection(m.Name(), modular.NewStdConfigProvider(defaultConfig))
	return nil
}

// Init initializes the module: it resolves configuration and constructs
// the converter registry, dispatcher, and scanner.
func (m *EventRouterModule) Init(app modular.Application) error {
	cfg, err := app.GetConfigSection(m.name)
	if err != nil {
		return fmt.Errorf("failed to get config section '%s': %w", m.name, err)
	}

	m.config = cfg.GetConfig().(*EventRouterConfig)
	if err := m.config.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid eventrouter config: %w", err)
	}
	m.logger = app.Logger()
	m.app = app

	m.dispatcher = NewDispatcher(m.config, NewConverterRegistry())
	m.dispatcher.setModule(m)
	m.scanner = NewScanner(m.dispatcher)

	m.emitEvent(context.Background(), EventTypeConfigLoaded, map[string]interface{}{
		"worker_count":      m.config.WorkerCount,
		"event_buffer_size": m.config.EventBufferSize,
		"delivery_mode":     m.config.DeliveryMode,
	})
	m.logger.Info("Event router module initialized")
	return nil
}

// Start performs startup logic for the module: it starts the dispatcher
// and runs the subscriber scan over the application's service registry.
// This is the container-ready signal; the scan fires exactly once.
func (m *EventRouterModule) Start(ctx context.Context) error {
	m.logger.Info("Starting event router module")

	m.mutex.Lock()
	if m.isStarted {
		m.mutex.Unlock()
		return nil
	}

	if err := m.dispatcher.Start(ctx); err != nil {
		m.mutex.Unlock()
		return err
	}

	if err := m.scanner.Scan(ctx, m.app.SvcRegistry()); err != nil {
		// A malformed declared selector is a configuration defect and
		// fails startup.
		m.mutex.Unlock()
		return err
	}

	m.isStarted = true
	m.mutex.Unlock()

	m.emitEvent(ctx, EventTypeRouterStarted, map[string]interface{}{
		"subscriptions": m.dispatcher.Registry().Count(),
	})
	m.logger.Info("Event router started", "subscriptions", m.dispatcher.Registry().Count())
	return nil
}

// Stop performs shutdown logic for the module
func (m *EventRouterModule) Stop(ctx context.Context) error {
	m.logger.Info("Stopping event router module")

	m.mutex.Lock()
	if !m.isStarted {
		m.mutex.Unlock()
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.dispatcher.Stop(shutdownCtx); err != nil {
		m.mutex.Unlock()
		return err
	}

	m.isStarted = false
	m.mutex.Unlock()

	m.emitEvent(ctx, EventTypeRouterStopped, nil)
	m.logger.Info("Event router stopped")
	return nil
}

// Dependencies returns the names of modules this module depends on
func (m *EventRouterModule) Dependencies() []string {
	return nil
}

// ProvidesServices declares services provided by this module
func (m *EventRouterModule) ProvidesServices() []modular.ServiceProvider {
	return []modular.ServiceProvider{
		{
			Name:        ServiceName,
			Description: "Annotation-style event router for selector-based message dispatch",
			Instance:    m,
		},
	}
}

// RequiresServices declares services required by this module
func (m *EventRouterModule) RequiresServices() []modular.ServiceDependency {
	return nil
}

// Constructor provides a dependency injection constructor for the module
func (m *EventRouterModule) Constructor() modular.ModuleConstructor {
	return func(app modular.Application, services map[string]any) (modular.Module, error) {
		return m, nil
	}
}

// RegisterObservers stores the subject used for lifecycle event emission.
func (m *EventRouterModule) RegisterObservers(subject modular.Subject) error {
	m.subjectMu.Lock()
	defer m.subjectMu.Unlock()
	m.subject = subject
	return nil
}

// EmitEvent emits a CloudEvent through the registered subject.
func (m *EventRouterModule) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	m.subjectMu.RLock()
	subject := m.subject
	m.subjectMu.RUnlock()

	if subject == nil {
		return ErrNoSubjectForEventEmission
	}
	if err := subject.NotifyObservers(ctx, event); err != nil {
		return fmt.Errorf("failed to notify observers: %w", err)
	}
	return nil
}

// emitEvent emits a router lifecycle CloudEvent, skipping silently when no
// subject is registered.
func (m *EventRouterModule) emitEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	event := modular.NewCloudEvent(eventType, "eventrouter-module", data, nil)
	if err := m.EmitEvent(ctx, event); err != nil {
		modular.HandleEventEmissionError(err, m.logger, m.name, eventType)
	}
}

// Publish publishes a payload under a routing key.
func (m *EventRouterModule) Publish(ctx context.Context, key string, payload interface{}) error {
	return m.PublishEvent(ctx, Event{Key: key, Payload: payload})
}

// PublishEvent publishes a fully formed event, including reply target and
// error consumer wiring.
func (m *EventRouterModule) PublishEvent(ctx context.Context, event Event) error {
	if err := m.dispatcher.Publish(ctx, event); err != nil {
		return err
	}
	m.emitEvent(ctx, EventTypeMessagePublished, map[string]interface{}{
		"key": event.Key,
	})
	return nil
}

// Subscribe registers a subscription at runtime, outside the startup scan.
func (m *EventRouterModule) Subscribe(ctx context.Context, spec SubscriptionSpec) (*Subscription, error) {
	if spec.Kind == "" {
		spec.Kind = SelectorExact
	}
	return m.dispatcher.Subscribe(ctx, spec)
}

// Unsubscribe cancels a subscription
func (m *EventRouterModule) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return m.dispatcher.Unsubscribe(ctx, sub)
}

// RegisterConverter adds a payload converter for an exact type pair.
func (m *EventRouterModule) RegisterConverter(source, target reflect.Type, fn ConverterFunc) error {
	return m.dispatcher.Converters().Register(source, target, fn)
}

// Selectors returns the distinct selector expressions with active
// subscriptions.
func (m *EventRouterModule) Selectors() []string {
	return m.dispatcher.Registry().Selectors()
}

// SubscriberCount returns the number of subscriptions for a selector
// expression.
func (m *EventRouterModule) SubscriberCount(expr string) int {
	return m.dispatcher.Registry().SubscriberCount(expr)
}

// Stats returns cumulative delivery counters.
func (m *EventRouterModule) Stats() DeliveryStats {
	return m.dispatcher.Stats()
}
