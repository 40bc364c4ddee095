// Package health tracks the liveness of the service's dependencies and
// components and aggregates them into one reportable status.
package health

import "time"

// Status values, ordered from best to worst.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of a component or of the system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// NewHealthy builds a healthy status.
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded builds a degraded status. Degraded components serve
// requests but with reduced capability.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy builds an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds component statuses into a system status: unhealthy if
// any component is unhealthy, degraded if any is degraded, healthy
// otherwise.
func Aggregate(system string, subs []Status) Status {
	agg := NewHealthy(system, "")
	for _, sub := range subs {
		switch sub.Status {
		case StateUnhealthy:
			agg.Status = StateUnhealthy
			agg.Healthy = false
		case StateDegraded:
			if agg.Status == StateHealthy {
				agg.Status = StateDegraded
				agg.Healthy = false
			}
		}
	}
	agg.SubStatuses = subs
	return agg
}
