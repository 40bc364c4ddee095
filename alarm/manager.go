package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
)

// Manager implements the alarm lifecycle over the bus.
type Manager struct {
	ks     bus.Keyspace
	logger *slog.Logger
	events chan Event

	alarmsTotal *prometheus.CounterVec

	// now is replaceable in tests
	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics enables alarm metrics against the given registry.
func WithMetrics(registry *metric.MetricsRegistry) ManagerOption {
	return func(m *Manager) {
		if registry == nil {
			return
		}
		m.alarmsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "alarm",
				Name:      "transitions_total",
				Help:      "Alarm lifecycle transitions by level and transition",
			},
			[]string{"level", "transition"},
		)
		_ = registry.Register("alarm", "transitions_total", m.alarmsTotal)
	}
}

// NewManager creates an alarm manager.
func NewManager(ks bus.Keyspace, opts ...ManagerOption) *Manager {
	m := &Manager{
		ks:     ks,
		logger: slog.Default().With("component", "alarm"),
		events: make(chan Event, 64),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the in-process event stream. Events are dropped when
// no consumer keeps up; the bus record is always authoritative.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Raise creates an alarm, or refreshes the Active alarm already held by
// the same source. The returned id is deterministic for a given source
// and occurrence second, so a replay after restart lands on the same
// record instead of duplicating it.
func (m *Manager) Raise(ctx context.Context, candidate Alarm) (string, error) {
	if err := candidate.Validate(); err != nil {
		return "", err
	}

	now := m.now().Unix()

	// dedup: one Active alarm per source
	existingID, err := m.ks.Get(ctx, bus.AlarmActiveKey(candidate.Source))
	if err != nil && !errors.IsNotFound(err) {
		return "", errors.WrapTransient(err, "Manager", "Raise", "read active alarm id")
	}
	if err == nil {
		existing, getErr := m.Get(ctx, existingID)
		if getErr == nil && existing.Status == StatusActive {
			existing.Value = candidate.Value
			existing.Timestamp = now
			if candidate.Description != "" {
				existing.Description = candidate.Description
			}
			raw, encErr := existing.encode()
			if encErr != nil {
				return "", encErr
			}
			if err := m.ks.Set(ctx, bus.AlarmKey(existingID), raw, 0); err != nil {
				return "", errors.WrapTransient(err, "Manager", "Raise", "refresh alarm record")
			}
			m.record(existing.Level, "refreshed")
			m.publish(Event{Alarm: existing, Triggered: true})
			return existingID, nil
		}
	}

	a := candidate
	a.AlarmID = fmt.Sprintf("alarm:%s:%d", a.Source, now)
	a.Status = StatusActive
	a.Timestamp = now

	raw, err := a.encode()
	if err != nil {
		return "", err
	}

	ops := []bus.Op{
		{Kind: bus.OpSet, Key: bus.AlarmKey(a.AlarmID), Value: raw},
		{Kind: bus.OpSAdd, Key: bus.AlarmStatusKey(string(StatusActive)), Names: []string{a.AlarmID}},
		{Kind: bus.OpSAdd, Key: bus.AlarmLevelKey(string(a.Level)), Names: []string{a.AlarmID}},
		{Kind: bus.OpSAdd, Key: bus.AlarmSourceKey(a.Source), Names: []string{a.AlarmID}},
		{Kind: bus.OpSAdd, Key: bus.AlarmIndexKey, Names: []string{a.AlarmID}},
		{Kind: bus.OpSet, Key: bus.AlarmActiveKey(a.Source), Value: a.AlarmID},
	}
	if err := m.ks.Batch(ctx, ops); err != nil {
		return "", errors.WrapTransient(err, "Manager", "Raise", "write alarm batch")
	}

	m.logger.Info("alarm raised",
		"alarm_id", a.AlarmID, "source", a.Source, "level", a.Level, "value", a.Value)
	m.record(a.Level, "raised")
	m.publish(Event{Alarm: a, Triggered: true})
	return a.AlarmID, nil
}

// Acknowledge marks an Active alarm as seen by an operator. Unknown and
// already Cleared ids fail with ErrNotFound without touching any index.
func (m *Manager) Acknowledge(ctx context.Context, alarmID, operator string) error {
	a, err := m.Get(ctx, alarmID)
	if err != nil {
		return err
	}
	if a.Status == StatusCleared {
		return fmt.Errorf("alarm %q already cleared: %w", alarmID, errors.ErrNotFound)
	}
	if a.Status == StatusAcknowledged {
		return nil
	}

	a.Status = StatusAcknowledged
	a.AcknowledgedBy = operator
	a.AcknowledgedAt = m.now().Unix()

	raw, err := a.encode()
	if err != nil {
		return err
	}

	ops := []bus.Op{
		{Kind: bus.OpSet, Key: bus.AlarmKey(alarmID), Value: raw},
		{Kind: bus.OpSRem, Key: bus.AlarmStatusKey(string(StatusActive)), Names: []string{alarmID}},
		{Kind: bus.OpSAdd, Key: bus.AlarmStatusKey(string(StatusAcknowledged)), Names: []string{alarmID}},
		{Kind: bus.OpDelete, Key: bus.AlarmActiveKey(a.Source)},
	}
	if err := m.ks.Batch(ctx, ops); err != nil {
		return errors.WrapTransient(err, "Manager", "Acknowledge", "write acknowledge batch")
	}

	m.logger.Info("alarm acknowledged", "alarm_id", alarmID, "operator", operator)
	m.record(a.Level, "acknowledged")
	return nil
}

// Clear transitions the source's non-cleared alarms to Cleared. They
// leave the active/acknowledged status indexes but stay in the level,
// source and global indexes as history. Returns ErrNotFound when the
// source holds nothing to clear.
func (m *Manager) Clear(ctx context.Context, source string) error {
	ids, err := m.ks.SMembers(ctx, bus.AlarmSourceKey(source))
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Clear", "read source index")
	}

	cleared := 0
	for _, id := range ids {
		a, getErr := m.Get(ctx, id)
		if getErr != nil || a.Status == StatusCleared {
			continue
		}

		prev := a.Status
		a.Status = StatusCleared
		raw, encErr := a.encode()
		if encErr != nil {
			return encErr
		}

		ops := []bus.Op{
			{Kind: bus.OpSet, Key: bus.AlarmKey(id), Value: raw},
			{Kind: bus.OpSRem, Key: bus.AlarmStatusKey(string(prev)), Names: []string{id}},
			{Kind: bus.OpSAdd, Key: bus.AlarmStatusKey(string(StatusCleared)), Names: []string{id}},
			{Kind: bus.OpDelete, Key: bus.AlarmActiveKey(source)},
		}
		if err := m.ks.Batch(ctx, ops); err != nil {
			return errors.WrapTransient(err, "Manager", "Clear", "write clear batch")
		}

		m.record(a.Level, "cleared")
		m.publish(Event{Alarm: a, Triggered: false})
		cleared++
	}

	if cleared == 0 {
		return fmt.Errorf("no active alarm for source %q: %w", source, errors.ErrNotFound)
	}
	m.logger.Info("alarms cleared", "source", source, "count", cleared)
	return nil
}

// Get loads one alarm record. Unknown ids return ErrNotFound.
func (m *Manager) Get(ctx context.Context, alarmID string) (Alarm, error) {
	raw, err := m.ks.Get(ctx, bus.AlarmKey(alarmID))
	if err != nil {
		if errors.IsNotFound(err) {
			return Alarm{}, fmt.Errorf("alarm %q: %w", alarmID, errors.ErrNotFound)
		}
		return Alarm{}, errors.WrapTransient(err, "Manager", "Get", "read alarm record")
	}
	return decode(raw)
}

// Active returns all Active alarms, newest first.
func (m *Manager) Active(ctx context.Context) ([]Alarm, error) {
	ids, err := m.ks.SMembers(ctx, bus.AlarmStatusKey(string(StatusActive)))
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "Active", "read status index")
	}

	alarms := make([]Alarm, 0, len(ids))
	for _, id := range ids {
		a, getErr := m.Get(ctx, id)
		if getErr != nil {
			m.logger.Warn("dangling alarm index entry", "alarm_id", id, "error", getErr)
			continue
		}
		alarms = append(alarms, a)
	}
	sort.Slice(alarms, func(i, j int) bool { return alarms[i].Timestamp > alarms[j].Timestamp })
	return alarms, nil
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("alarm event dropped", "alarm_id", ev.Alarm.AlarmID)
	}
}

func (m *Manager) record(level Level, transition string) {
	if m.alarmsTotal != nil {
		m.alarmsTotal.WithLabelValues(string(level), transition).Inc()
	}
}
