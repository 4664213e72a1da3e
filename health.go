package eventrouter

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus represents the health state of a router component.
type HealthStatus int

const (
	// HealthStatusUnknown indicates that the health status cannot be
	// determined.
	HealthStatusUnknown HealthStatus = iota

	// HealthStatusHealthy indicates that the component is operating
	// normally.
	HealthStatusHealthy

	// HealthStatusDegraded indicates that the component is operational but
	// not performing optimally.
	HealthStatusDegraded

	// HealthStatusUnhealthy indicates that the component is not functioning
	// properly.
	HealthStatusUnhealthy
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthReport describes the health of one router component, including
// timing and diagnostic details.
type HealthReport struct {
	// Module is the identifier of the module providing this check.
	Module string `json:"module"`

	// Component identifies the specific component within the module.
	Component string `json:"component,omitempty"`

	// Status is the health status determined by the check.
	Status HealthStatus `json:"status"`

	// Message provides human-readable details about the status.
	Message string `json:"message,omitempty"`

	// CheckedAt indicates when the health check was performed.
	CheckedAt time.Time `json:"checkedAt"`

	// ObservedSince indicates when this status was first observed.
	ObservedSince time.Time `json:"observedSince"`

	// Optional indicates whether this component is optional for overall
	// readiness.
	Optional bool `json:"optional"`

	// Details contains additional structured diagnostic information.
	Details map[string]any `json:"details,omitempty"`
}

// HealthCheck validates that the router is started, performs a probe
// publish through the dispatch path, and reports subscription and
// delivery statistics.
func (m *EventRouterModule) HealthCheck(ctx context.Context) ([]HealthReport, error) {
	reports := make([]HealthReport, 0, 1)
	checkTime := time.Now()

	report := HealthReport{
		Module:        ModuleName,
		Component:     "dispatcher",
		CheckedAt:     checkTime,
		ObservedSince: checkTime,
		Optional:      false,
		Details:       make(map[string]any),
	}

	m.mutex.RLock()
	isStarted := m.isStarted
	m.mutex.RUnlock()

	if !isStarted || m.dispatcher == nil {
		report.Status = HealthStatusUnhealthy
		report.Message = "event router not started"
		report.Details["is_started"] = false
		reports = append(reports, report)
		return reports, nil
	}

	// Probe the publish path. The probe key has no subscribers, so a nil
	// error with zero matches is the expected healthy outcome.
	probeKey := fmt.Sprintf("health/probe/%d", checkTime.UnixNano())
	startTime := time.Now()
	err := m.Publish(ctx, probeKey, map[string]interface{}{"probe": true})
	publishDuration := time.Since(startTime)

	if err != nil {
		report.Status = HealthStatusUnhealthy
		report.Message = fmt.Sprintf("probe publish failed: %v", err)
		report.Details["publish_error"] = err.Error()
		reports = append(reports, report)
		return reports, nil
	}

	stats := m.Stats()
	report.Details["is_started"] = true
	report.Details["publish_duration_ms"] = publishDuration.Milliseconds()
	report.Details["subscription_count"] = m.dispatcher.Registry().Count()
	report.Details["worker_count"] = m.config.WorkerCount
	report.Details["delivery_mode"] = m.config.DeliveryMode
	report.Details["delivered_total"] = stats.Delivered
	report.Details["dropped_total"] = stats.Dropped
	report.Details["failed_total"] = stats.Failed
	report.Details["replied_total"] = stats.Replied

	m.evaluateHealthStatus(&report, publishDuration)

	reports = append(reports, report)
	return reports, nil
}

// evaluateHealthStatus determines the overall health status based on the
// probe latency and configuration.
func (m *EventRouterModule) evaluateHealthStatus(report *HealthReport, publishDuration time.Duration) {
	report.Status = HealthStatusHealthy
	report.Message = "event router operational"

	if publishDuration > time.Second {
		report.Status = HealthStatusDegraded
		report.Message = fmt.Sprintf("event router slow: %dms for probe publish", publishDuration.Milliseconds())
		return
	}

	if m.config.WorkerCount == 0 {
		report.Status = HealthStatusDegraded
		report.Message = "event router has no workers configured for async processing"
	}
}

// GetHealthTimeout returns the maximum time needed for health checks to
// complete. The probe is an in-process publish, so the budget is small.
func (m *EventRouterModule) GetHealthTimeout() time.Duration {
	return 5 * time.Second
}

// IsHealthy is a convenience method that returns true if the router is
// healthy.
func (m *EventRouterModule) IsHealthy(ctx context.Context) bool {
	reports, err := m.HealthCheck(ctx)
	if err != nil {
		return false
	}

	for _, report := range reports {
		if report.Status != HealthStatusHealthy {
			return false
		}
	}

	return true
}
