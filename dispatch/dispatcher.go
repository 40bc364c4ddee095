// Package dispatch consumes queued control commands and executes them
// against the external protocol adapter. Each (channel, type) queue has
// exactly one consumer so per-point command order is preserved; separate
// channels dispatch concurrently.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
	"github.com/gridware/telecore/point"
)

// Adapter executes a single point write on the device side. Execute may
// block; the dispatcher bounds it with a per-attempt timeout.
type Adapter interface {
	Execute(ctx context.Context, channelID, pointID int, value float64) (ack bool, actual float64, err error)
}

// Queue identifies one command queue.
type Queue struct {
	ChannelID int
	Type      point.Type
}

// Dispatcher owns the consumer goroutines. New queues appearing on the
// bus (a channel gaining a writable point map) are picked up by the
// discovery loop.
type Dispatcher struct {
	ks      bus.Keyspace
	adapter Adapter
	source  string
	logger  *slog.Logger
	metrics *Metrics

	popWait     time.Duration
	execTimeout time.Duration
	resultTTL   time.Duration
	discovery   time.Duration

	mu        sync.Mutex
	consumers map[Queue]struct{}
	shutdown  chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPopWait sets the bounded blocking wait of a queue pop.
func WithPopWait(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.popWait = d
		}
	}
}

// WithExecTimeout bounds a single adapter execution.
func WithExecTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.execTimeout = d
		}
	}
}

// WithResultTTL sets how long completion records stay readable.
func WithResultTTL(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.resultTTL = d
		}
	}
}

// WithDiscoveryInterval sets how often new queues are discovered.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.discovery = d
		}
	}
}

// WithMetrics enables dispatch metrics against the given registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(dp *Dispatcher) {
		dp.metrics = newMetrics(registry)
	}
}

// NewDispatcher creates a dispatcher for the given source prefix.
func NewDispatcher(ks bus.Keyspace, adapter Adapter, source string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ks:          ks,
		adapter:     adapter,
		source:      source,
		logger:      slog.Default().With("component", "dispatch"),
		popWait:     time.Second,
		execTimeout: 5 * time.Second,
		resultTTL:   time.Minute,
		discovery:   10 * time.Second,
		consumers:   make(map[Queue]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start discovers the initial queue set and launches consumers plus the
// discovery loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "check dispatcher state")
	}
	d.shutdown = make(chan struct{})
	d.done = make(chan struct{})

	queues, err := d.discoverLocked(ctx)
	if err != nil {
		d.logger.Warn("initial queue discovery failed", "error", err)
	}

	go d.run(ctx)

	d.logger.Info("dispatcher started", "source", d.source, "queues", queues)
	return nil
}

// Stop shuts all consumers down, waiting up to timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.shutdown == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.shutdown)
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(timeout):
		d.logger.Warn("dispatcher shutdown timeout")
	}
	<-d.done

	d.mu.Lock()
	d.shutdown = nil
	d.consumers = make(map[Queue]struct{})
	d.mu.Unlock()
	return nil
}

// run is the discovery loop.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.discovery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.mu.Lock()
			if _, err := d.discoverLocked(ctx); err != nil {
				d.logger.Warn("queue discovery failed", "error", err)
			}
			d.mu.Unlock()
		}
	}
}

// discoverLocked scans for channels with writable point maps and spawns
// a consumer for each queue not already owned. Caller holds d.mu.
func (d *Dispatcher) discoverLocked(ctx context.Context) (int, error) {
	count := 0
	for _, typ := range []point.Type{point.Control, point.Adjustment} {
		keys, err := d.ks.Keys(ctx, fmt.Sprintf("%s:*:%s", d.source, typ))
		if err != nil {
			return count, err
		}
		for _, key := range keys {
			_, channelID, _, ok := bus.ParsePointKey(key)
			if !ok {
				continue
			}
			q := Queue{ChannelID: channelID, Type: typ}
			if _, exists := d.consumers[q]; exists {
				continue
			}
			d.consumers[q] = struct{}{}
			d.wg.Add(1)
			go d.consume(ctx, q)
			count++
		}
	}
	return count, nil
}

// EnsureQueue spawns a consumer for a queue regardless of discovery,
// used when a command is enqueued for a channel with no point map yet.
func (d *Dispatcher) EnsureQueue(ctx context.Context, q Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown == nil {
		return
	}
	if _, exists := d.consumers[q]; exists {
		return
	}
	d.consumers[q] = struct{}{}
	d.wg.Add(1)
	go d.consume(ctx, q)
}

// consume is the single consumer for one queue.
func (d *Dispatcher) consume(ctx context.Context, q Queue) {
	defer d.wg.Done()

	queueKey := bus.TriggerKey(d.source, q.ChannelID, string(q.Type))
	logger := d.logger.With("queue", queueKey)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}

		item, err := d.ks.BLPop(ctx, d.popWait, queueKey)
		if err != nil {
			if errors.IsNotFound(err) || ctx.Err() != nil {
				continue
			}
			logger.Error("queue pop failed", "error", err)
			continue
		}

		d.dispatch(ctx, q, item, logger)
	}
}

// dispatch executes one popped command.
func (d *Dispatcher) dispatch(ctx context.Context, q Queue, item string, logger *slog.Logger) {
	cmd, err := point.DecodeCommand(item)
	if err != nil {
		logger.Warn("dropping malformed command", "error", err)
		if d.metrics != nil {
			d.metrics.recordDispatch(q, "malformed")
		}
		return
	}

	now := time.Now()
	if cmd.Expired(now) {
		logger.Warn("dropping expired command",
			"command_id", cmd.CommandID, "point_id", cmd.PointID,
			"issued_at", cmd.IssuedAt)
		if d.metrics != nil {
			d.metrics.recordDispatch(q, "expired")
		}
		d.complete(ctx, cmd, point.Completion{
			CommandID: cmd.CommandID,
			Status:    point.CompletionTimeout,
			Error:     errors.ErrCommandTimeout.Error(),
		})
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, d.execTimeout)
	start := time.Now()
	ack, actual, err := d.adapter.Execute(execCtx, q.ChannelID, cmd.PointID, cmd.Value)
	cancel()
	if d.metrics != nil {
		d.metrics.recordExec(time.Since(start))
	}

	switch {
	case err != nil:
		logger.Error("adapter execution failed",
			"command_id", cmd.CommandID, "point_id", cmd.PointID, "error", err)
		if d.metrics != nil {
			d.metrics.recordDispatch(q, "error")
		}
		status := point.CompletionFailed
		if execCtx.Err() != nil {
			status = point.CompletionTimeout
		}
		d.complete(ctx, cmd, point.Completion{
			CommandID: cmd.CommandID,
			Status:    status,
			Error:     fmt.Errorf("%w: %v", errors.ErrAdapter, err).Error(),
		})

	case !ack:
		logger.Warn("adapter rejected command",
			"command_id", cmd.CommandID, "point_id", cmd.PointID)
		if d.metrics != nil {
			d.metrics.recordDispatch(q, "rejected")
		}
		d.complete(ctx, cmd, point.Completion{
			CommandID: cmd.CommandID,
			Status:    point.CompletionFailed,
			Error:     errors.ErrAdapter.Error(),
		})

	default:
		if err := d.writeBack(ctx, q, cmd.PointID, actual); err != nil {
			logger.Error("point write-back failed",
				"command_id", cmd.CommandID, "point_id", cmd.PointID, "error", err)
		}
		if d.metrics != nil {
			d.metrics.recordDispatch(q, "success")
		}
		d.complete(ctx, cmd, point.Completion{
			CommandID:   cmd.CommandID,
			Status:      point.CompletionSuccess,
			Success:     true,
			ActualValue: actual,
		})
	}
}

// writeBack records the executed value in the queue's point map.
func (d *Dispatcher) writeBack(ctx context.Context, q Queue, pointID int, actual float64) error {
	encoded, err := point.EncodeValue(actual)
	if err != nil {
		return err
	}
	key := bus.PointKey(d.source, q.ChannelID, string(q.Type))
	return d.ks.HSet(ctx, key, map[string]string{strconv.Itoa(pointID): encoded})
}

// complete writes the completion record when the command carried an id.
// A command without an id has no caller waiting; outcomes are only logged.
func (d *Dispatcher) complete(ctx context.Context, cmd point.Command, rec point.Completion) {
	if cmd.CommandID == "" {
		return
	}
	rec.CompletedAt = time.Now().Unix()

	raw, err := rec.Encode()
	if err != nil {
		d.logger.Error("completion encode failed", "command_id", cmd.CommandID, "error", err)
		return
	}
	key := bus.ResultKey(d.source, cmd.CommandID)
	if err := d.ks.Set(ctx, key, raw, d.resultTTL); err != nil {
		d.logger.Error("completion write failed", "command_id", cmd.CommandID, "error", err)
	}
}
