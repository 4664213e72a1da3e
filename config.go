package eventrouter

import (
	"fmt"
	"time"
)

// Delivery modes controlling publish behavior when a subscription's
// delivery channel is full.
const (
	// DeliveryModeDrop discards the delivery immediately (default).
	DeliveryModeDrop = "drop"

	// DeliveryModeBlock waits for channel space, bounded by the publish
	// context.
	DeliveryModeBlock = "block"

	// DeliveryModeTimeout waits up to PublishBlockTimeout, then drops.
	DeliveryModeTimeout = "timeout"
)

// EventRouterConfig defines the configuration for the event router module.
//
// Example YAML configuration:
//
//	workerCount: 5
//	eventBufferSize: 10
//	deliveryMode: "timeout"
//	publishBlockTimeout: 25ms
type EventRouterConfig struct {
	// WorkerCount is the number of worker goroutines processing async
	// deliveries. More workers increase throughput for blocking handlers
	// at the cost of resource usage. Must be at least 1.
	WorkerCount int `json:"workerCount,omitempty" yaml:"workerCount,omitempty" validate:"omitempty,min=1" env:"WORKER_COUNT"`

	// EventBufferSize is the buffer size of each subscription's delivery
	// channel. This bounds how many events can be queued per subscriber
	// before the configured delivery mode applies. Must be at least 1.
	EventBufferSize int `json:"eventBufferSize,omitempty" yaml:"eventBufferSize,omitempty" validate:"omitempty,min=1" env:"EVENT_BUFFER_SIZE"`

	// DeliveryMode controls publish behavior on a full subscription
	// channel: "drop", "block", or "timeout".
	DeliveryMode string `json:"deliveryMode,omitempty" yaml:"deliveryMode,omitempty" validate:"omitempty,oneof=drop block timeout" env:"DELIVERY_MODE"`

	// PublishBlockTimeout is how long a publish waits for channel space
	// in "timeout" mode before dropping the delivery.
	PublishBlockTimeout time.Duration `json:"publishBlockTimeout,omitempty" yaml:"publishBlockTimeout,omitempty" env:"PUBLISH_BLOCK_TIMEOUT"`

	// ShutdownTimeout bounds how long Stop waits for in-flight deliveries
	// to drain before giving up with ErrRouterShutdownTimeout.
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty" env:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// ValidateConfig performs additional validation on the configuration and
// applies defaults. This is called after basic struct tag validation.
func (c *EventRouterConfig) ValidateConfig() error {
	if c.WorkerCount == 0 {
		c.WorkerCount = 5 // Default value
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 10 // Default value
	}
	if c.DeliveryMode == "" {
		c.DeliveryMode = DeliveryModeDrop
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}

	switch c.DeliveryMode {
	case DeliveryModeDrop, DeliveryModeBlock, DeliveryModeTimeout:
	default:
		return fmt.Errorf("unknown delivery mode: %s", c.DeliveryMode)
	}

	if c.DeliveryMode == DeliveryModeTimeout && c.PublishBlockTimeout < 0 {
		return fmt.Errorf("publish block timeout must not be negative")
	}

	return nil
}
