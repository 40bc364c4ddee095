package rule

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridware/telecore/alarm"
	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
	"github.com/gridware/telecore/point"
	"github.com/gridware/telecore/rule/expression"
)

// Evaluator runs the rule evaluation loop. One pass evaluates every
// enabled rule independently; a rule's failure is recorded in its own
// state and never aborts the pass.
type Evaluator struct {
	ks          bus.Keyspace
	alarms      *alarm.Manager
	resolver    expression.Resolver
	eval        *expression.Evaluator
	queueSource string
	interval    time.Duration
	logger      *slog.Logger

	evalsTotal *prometheus.CounterVec

	// now is replaceable in tests
	now func() time.Time

	mu       sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithQueueSource sets the source prefix used for command actions.
func WithQueueSource(source string) EvaluatorOption {
	return func(e *Evaluator) {
		if source != "" {
			e.queueSource = source
		}
	}
}

// WithMetrics enables evaluation metrics against the given registry.
func WithMetrics(registry *metric.MetricsRegistry) EvaluatorOption {
	return func(e *Evaluator) {
		if registry == nil {
			return
		}
		e.evalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telecore",
				Subsystem: "rule",
				Name:      "evaluations_total",
				Help:      "Rule evaluations by rule and outcome",
			},
			[]string{"rule_id", "outcome"},
		)
		_ = registry.Register("rule", "evaluations_total", e.evalsTotal)
	}
}

// NewEvaluator creates a rule evaluator polling at the given cadence.
func NewEvaluator(ks bus.Keyspace, alarms *alarm.Manager, resolver expression.Resolver, interval time.Duration, opts ...EvaluatorOption) *Evaluator {
	if interval <= 0 {
		interval = time.Second
	}
	e := &Evaluator{
		ks:          ks,
		alarms:      alarms,
		resolver:    resolver,
		eval:        expression.NewEvaluator(),
		queueSource: bus.SourceInst,
		interval:    interval,
		logger:      slog.Default().With("component", "rule"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the evaluation loop.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Evaluator", "Start", "check evaluator state")
	}
	e.shutdown = make(chan struct{})
	e.done = make(chan struct{})

	go e.run(ctx)

	e.logger.Info("rule evaluator started", "interval", e.interval)
	return nil
}

// Stop shuts the evaluation loop down, waiting up to timeout.
func (e *Evaluator) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if e.shutdown == nil {
		e.mu.Unlock()
		return nil
	}
	close(e.shutdown)
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-time.After(timeout):
		e.logger.Warn("rule evaluator shutdown timeout")
	}

	e.mu.Lock()
	e.shutdown = nil
	e.mu.Unlock()
	return nil
}

func (e *Evaluator) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

func (e *Evaluator) pass(ctx context.Context) {
	keys, err := e.ks.Keys(ctx, "rulesrv:rule:*")
	if err != nil {
		e.logger.Error("failed to scan rules", "error", err)
		return
	}

	for _, key := range keys {
		raw, err := e.ks.Get(ctx, key)
		if err != nil {
			continue
		}
		var def Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			e.logger.Warn("skipping malformed rule", "key", key, "error", err)
			continue
		}
		if !def.Enabled {
			continue
		}
		if err := e.Evaluate(ctx, def); err != nil {
			e.logger.Error("rule evaluation failed", "rule_id", def.RuleID, "error", err)
		}
	}
}

// Evaluate runs one rule through the state machine:
//
//	false→true outside cooldown: fire actions, latch condition_met,
//	stamp last_triggered, bump trigger_count
//	false→true inside cooldown: latch condition_met, suppress actions
//	true→false: unlatch, clear the rule's alarms, fire recovery actions
//
// A condition that cannot be evaluated counts as false for the cycle
// and is recorded in the rule's state.
func (e *Evaluator) Evaluate(ctx context.Context, def Definition) error {
	state, err := LoadState(ctx, e.ks, def.RuleID)
	if err != nil {
		return err
	}

	met, evalErr := e.eval.Evaluate(ctx, e.resolver, def.Condition)
	if evalErr != nil {
		met = false
		state.ErrorCount++
		state.LastError = evalErr.Error()
		e.record(def.RuleID, "error")
		e.logger.Warn("condition evaluation failed",
			"rule_id", def.RuleID, "error", evalErr)
	} else {
		state.LastError = ""
	}

	if value, ok := e.firstOperand(ctx, def); ok {
		state.LastValue = value
	}

	now := e.now().Unix()

	switch {
	case met && !state.ConditionMet:
		state.ConditionMet = true
		inCooldown := state.LastTriggered != 0 && now-state.LastTriggered < def.Cooldown
		if inCooldown {
			e.record(def.RuleID, "suppressed")
			e.logger.Debug("rule fire suppressed by cooldown", "rule_id", def.RuleID)
			break
		}
		state.LastTriggered = now
		state.TriggerCount++
		e.record(def.RuleID, "fired")
		e.fireActions(ctx, def, state.LastValue, false)

	case !met && state.ConditionMet:
		state.ConditionMet = false
		e.record(def.RuleID, "recovered")
		if err := e.alarms.Clear(ctx, def.Source()); err != nil && !errors.IsNotFound(err) {
			e.logger.Error("alarm clear failed", "rule_id", def.RuleID, "error", err)
		}
		e.fireActions(ctx, def, state.LastValue, true)

	default:
		if evalErr == nil {
			e.record(def.RuleID, "unchanged")
		}
	}

	return SaveState(ctx, e.ks, def.RuleID, state)
}

// firstOperand samples the first condition operand for alarm context.
func (e *Evaluator) firstOperand(ctx context.Context, def Definition) (float64, bool) {
	if len(def.Condition.Conditions) == 0 {
		return 0, false
	}
	v, ok, err := e.resolver.ResolveField(ctx, def.Condition.Conditions[0].Field)
	if err != nil || !ok {
		return 0, false
	}
	return v, true
}

func (e *Evaluator) fireActions(ctx context.Context, def Definition, value float64, recovery bool) {
	for _, action := range def.Actions {
		if action.OnRecover != recovery {
			continue
		}
		switch action.Type {
		case ActionAlarm:
			e.fireAlarm(ctx, def, action, value)
		case ActionCommand:
			e.fireCommand(ctx, def, action)
		}
	}
}

func (e *Evaluator) fireAlarm(ctx context.Context, def Definition, action Action, value float64) {
	title := action.Title
	if title == "" {
		title = def.Name
	}
	candidate := alarm.Alarm{
		Title:       title,
		Description: action.Message,
		Level:       action.Level,
		Source:      def.Source(),
		Value:       value,
	}
	if len(def.Condition.Conditions) > 0 {
		candidate.ChannelID, candidate.PointID = operandPoint(def.Condition.Conditions[0].Field)
	}

	if _, err := e.alarms.Raise(ctx, candidate); err != nil {
		e.logger.Error("alarm raise failed", "rule_id", def.RuleID, "error", err)
	}
}

func (e *Evaluator) fireCommand(ctx context.Context, def Definition, action Action) {
	cmd := point.Command{
		PointID:   action.PointID,
		Value:     action.Value,
		Source:    "rulesrv",
		CommandID: point.NewCommandID(),
		IssuedAt:  e.now().Unix(),
	}
	item, err := cmd.Encode()
	if err != nil {
		e.logger.Error("command encode failed", "rule_id", def.RuleID, "error", err)
		return
	}

	queue := bus.TriggerKey(e.queueSource, action.ChannelID, string(action.PointType))
	if err := e.ks.RPush(ctx, queue, item); err != nil {
		e.logger.Error("command enqueue failed", "rule_id", def.RuleID, "queue", queue, "error", err)
	}
}

func (e *Evaluator) record(ruleID, outcome string) {
	if e.evalsTotal != nil {
		e.evalsTotal.WithLabelValues(ruleID, outcome).Inc()
	}
}
