package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		subs    []Status
		want    string
		healthy bool
	}{
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy, true},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "slow")}, StateDegraded, false},
		{"one unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", "down")}, StateUnhealthy, false},
		{"empty", nil, StateHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, agg.Status)
			assert.Equal(t, tt.healthy, agg.Healthy)
			assert.Len(t, agg.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitorCheck(t *testing.T) {
	m := NewMonitor()
	m.Register("bus", func(context.Context) error { return nil })
	m.Register("adapter", func(context.Context) error { return fmt.Errorf("device offline") })

	status := m.Check(context.Background(), "telecore")
	assert.Equal(t, StateUnhealthy, status.Status)
	assert.False(t, status.Healthy)
	assert.Len(t, status.SubStatuses, 2)

	// checks run in name order
	assert.Equal(t, "adapter", status.SubStatuses[0].Component)
	assert.Equal(t, StateUnhealthy, status.SubStatuses[0].Status)
	assert.Equal(t, "bus", status.SubStatuses[1].Component)
	assert.Equal(t, StateHealthy, status.SubStatuses[1].Status)
}

func TestMonitorRegisterRemove(t *testing.T) {
	m := NewMonitor()
	m.Register("bus", func(context.Context) error { return nil })
	assert.Equal(t, []string{"bus"}, m.Components())

	m.Remove("bus")
	assert.Empty(t, m.Components())

	status := m.Check(context.Background(), "telecore")
	assert.Equal(t, StateHealthy, status.Status)
}
