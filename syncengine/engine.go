package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
	"github.com/gridware/telecore/model"
	"github.com/gridware/telecore/point"
)

// Engine runs the synchronization loop. Each pass loads the enabled
// rules from the bus and applies them independently; one rule's failure
// never aborts the pass for the others.
type Engine struct {
	ks       bus.Keyspace
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	// lastSeen caches the source field values observed on the previous
	// application of each rule, for change detection. Guarded by seenMu
	// since Reverse is called from broker goroutines.
	seenMu   sync.Mutex
	lastSeen map[string]map[string]string

	mu       sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineMetrics enables sync metrics against the given registry.
func WithEngineMetrics(registry *metric.MetricsRegistry) EngineOption {
	return func(e *Engine) {
		e.metrics = newMetrics(registry)
	}
}

// NewEngine creates a sync engine polling at the given cadence.
func NewEngine(ks bus.Keyspace, interval time.Duration, opts ...EngineOption) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	e := &Engine{
		ks:       ks,
		interval: interval,
		logger:   slog.Default().With("component", "syncengine"),
		lastSeen: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the polling loop. Returns ErrAlreadyStarted when the
// engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "check engine state")
	}
	e.shutdown = make(chan struct{})
	e.done = make(chan struct{})

	go e.run(ctx)

	e.logger.Info("sync engine started", "interval", e.interval)
	return nil
}

// Stop shuts the polling loop down, waiting up to timeout.
func (e *Engine) Stop(timeout time.Duration) error {
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
		e.logger.Warn("sync engine shutdown timeout")
	}

	e.mu.Lock()
	e.shutdown = nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) run(ctx context.Context) {
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

// pass applies every enabled rule once.
func (e *Engine) pass(ctx context.Context) {
	start := time.Now()

	rules, err := e.loadRules(ctx)
	if err != nil {
		e.logger.Error("failed to load sync rules", "error", err)
		return
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		applied, err := e.ApplySync(ctx, rule)
		if err != nil {
			e.logger.Error("sync rule failed", "rule_id", rule.RuleID, "error", err)
			if e.metrics != nil {
				e.metrics.recordSync(rule.RuleID, "error")
			}
			continue
		}
		if e.metrics != nil {
			result := "unchanged"
			if applied {
				result = "applied"
			}
			e.metrics.recordSync(rule.RuleID, result)
		}
	}

	if e.metrics != nil {
		e.metrics.recordPass(time.Since(start))
	}
}

// loadRules reads all sync rule definitions from the bus. Malformed
// definitions are logged and skipped.
func (e *Engine) loadRules(ctx context.Context) ([]Rule, error) {
	keys, err := e.ks.Keys(ctx, "syncsrv:rule:*")
	if err != nil {
		return nil, errors.WrapTransient(err, "Engine", "loadRules", "scan sync rules")
	}

	rules := make([]Rule, 0, len(keys))
	for _, key := range keys {
		raw, err := e.ks.Get(ctx, key)
		if err != nil {
			continue
		}
		var r Rule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			e.logger.Warn("skipping malformed sync rule", "key", key, "error", err)
			continue
		}
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping invalid sync rule", "key", key, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ApplySync applies one rule. It reads the mapped source fields, returns
// applied=false when none changed since the last application, otherwise
// transforms and writes all target fields plus the __updated stamp as
// one atomic batch. A missing source field only narrows the write; a
// non-finite transform result skips that field and is recorded in the
// rule's stats.
func (e *Engine) ApplySync(ctx context.Context, rule Rule) (bool, error) {
	source, err := e.ks.HGetAll(ctx, rule.SourcePattern)
	if err != nil {
		return false, errors.WrapTransient(err, "Engine", "ApplySync", "read source fields")
	}

	observed := make(map[string]string, len(rule.FieldMapping))
	for srcField := range rule.FieldMapping {
		if v, ok := source[srcField]; ok {
			observed[srcField] = v
		}
	}
	if len(observed) == 0 {
		return false, nil
	}
	e.seenMu.Lock()
	prev, seen := e.lastSeen[rule.RuleID]
	unchanged := seen && equalFields(prev, observed)
	e.seenMu.Unlock()
	if unchanged {
		return false, nil
	}

	stats, err := LoadStats(ctx, e.ks, rule.RuleID)
	if err != nil {
		return false, err
	}

	now := time.Now().Unix()
	target := make(map[string]string, len(observed)+1)
	reverse := make(map[string]string)

	for srcField, raw := range observed {
		tgtField := rule.FieldMapping[srcField]

		v, decErr := point.DecodeValue(raw)
		if decErr == nil {
			var encErr error
			var encoded string
			encoded, encErr = point.EncodeValue(rule.Transform.Apply(v))
			if encErr == nil {
				target[tgtField] = encoded
			} else {
				decErr = encErr
			}
		}
		if decErr != nil {
			stats.ErrorCount++
			stats.LastError = fmt.Sprintf("field %s: %v", srcField, decErr)
			e.logger.Warn("sync field skipped",
				"rule_id", rule.RuleID, "field", srcField, "error", decErr)
			continue
		}

		if rule.ReverseEnabled {
			ref, refErr := json.Marshal(reverseRef{
				RuleID:      rule.RuleID,
				SourceKey:   rule.SourcePattern,
				SourceField: srcField,
			})
			if refErr == nil {
				reverse[tgtField] = string(ref)
			}
		}
	}

	var ops []bus.Op
	if len(target) > 0 {
		target[model.UpdatedField] = strconv.FormatInt(now, 10)
		ops = append(ops, bus.Op{Kind: bus.OpHSet, Key: rule.TargetPattern, Fields: target})
		stats.SyncCount++
		stats.LastSync = now
	}
	if len(reverse) > 0 {
		ops = append(ops, bus.Op{Kind: bus.OpHSet, Key: bus.SyncReverseKey(rule.TargetPattern), Fields: reverse})
	}

	statsRaw, err := json.Marshal(stats)
	if err != nil {
		return false, errors.WrapInvalid(err, "Engine", "ApplySync", "marshal sync stats")
	}
	ops = append(ops, bus.Op{Kind: bus.OpSet, Key: bus.SyncStatsKey(rule.RuleID), Value: string(statsRaw)})

	if err := e.ks.Batch(ctx, ops); err != nil {
		return false, errors.WrapTransient(err, "Engine", "ApplySync", "write sync batch")
	}

	e.seenMu.Lock()
	e.lastSeen[rule.RuleID] = observed
	e.seenMu.Unlock()
	return len(target) > 1, nil
}

// Reverse mirrors a write landing on a reverse-enabled target back to
// its source field with the inverse transform. Control and Adjustment
// sources additionally get a command enqueued so the write reaches the
// device. When the same field is written by a concurrent forward pass,
// the forward value prevails on the next pass.
func (e *Engine) Reverse(ctx context.Context, targetKey, field string, value float64) error {
	raw, err := e.ks.HGet(ctx, bus.SyncReverseKey(targetKey), field)
	if err != nil {
		if errors.IsNotFound(err) {
			return fmt.Errorf("no reverse mapping for %s.%s: %w", targetKey, field, errors.ErrNotFound)
		}
		return errors.WrapTransient(err, "Engine", "Reverse", "read reverse mapping")
	}

	var ref reverseRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return errors.WrapInvalid(err, "Engine", "Reverse", "unmarshal reverse mapping")
	}

	rule, err := LoadRule(ctx, e.ks, ref.RuleID)
	if err != nil {
		return err
	}

	mirrored := rule.Transform.Invert(value)
	encoded, err := point.EncodeValue(mirrored)
	if err != nil {
		return err
	}

	if err := e.ks.HSet(ctx, ref.SourceKey, map[string]string{ref.SourceField: encoded}); err != nil {
		return errors.WrapTransient(err, "Engine", "Reverse", "mirror source field")
	}

	if rule.SourceKind.Writable() {
		if err := e.enqueueCommand(ctx, ref, rule.SourceKind, mirrored); err != nil {
			return err
		}
	}

	// Refresh the cache so the mirror itself does not count as a change
	// on the next forward pass.
	e.seenMu.Lock()
	if seen, ok := e.lastSeen[ref.RuleID]; ok {
		seen[ref.SourceField] = encoded
	}
	e.seenMu.Unlock()
	return nil
}

func (e *Engine) enqueueCommand(ctx context.Context, ref reverseRef, kind point.Type, value float64) error {
	source, channelID, _, ok := bus.ParsePointKey(ref.SourceKey)
	if !ok {
		return fmt.Errorf("reverse source %q is not a point map: %w", ref.SourceKey, errors.ErrValidation)
	}
	pointID, err := strconv.Atoi(ref.SourceField)
	if err != nil {
		return fmt.Errorf("reverse source field %q is not a point id: %w", ref.SourceField, errors.ErrValidation)
	}

	cmd := point.Command{
		PointID:  pointID,
		Value:    value,
		Source:   "syncengine",
		IssuedAt: time.Now().Unix(),
	}
	item, err := cmd.Encode()
	if err != nil {
		return err
	}

	queue := bus.TriggerKey(source, channelID, string(kind))
	if err := e.ks.RPush(ctx, queue, item); err != nil {
		return errors.WrapTransient(err, "Engine", "Reverse", "enqueue command")
	}
	return nil
}

func equalFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
