// Package service assembles the platform components into one runnable
// engine: the bus client, sync engine, command dispatcher, rule
// evaluator, alarm manager and subscription broker, plus the
// operational HTTP endpoint serving metrics and health.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridware/telecore/alarm"
	"github.com/gridware/telecore/broker"
	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/config"
	"github.com/gridware/telecore/dispatch"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/health"
	"github.com/gridware/telecore/metric"
	"github.com/gridware/telecore/model"
	"github.com/gridware/telecore/pkg/retry"
	"github.com/gridware/telecore/rule"
	"github.com/gridware/telecore/syncengine"
)

const stopTimeout = 10 * time.Second

// Runner is the lifecycle contract shared by the long-running
// components: Start launches the component's goroutines, Stop signals
// them and waits up to timeout for a clean exit.
type Runner interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

type namedRunner struct {
	name   string
	runner Runner
}

// Engine owns the wired component set for one service instance.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	bus        *bus.Client
	models     *model.Store
	alarms     *alarm.Manager
	sync       *syncengine.Engine
	dispatcher *dispatch.Dispatcher
	rules      *rule.Evaluator
	broker     *broker.Broker

	runners []namedRunner

	httpServer *http.Server
	healthMon  *health.Monitor
}

// NewEngine connects to the bus and constructs every enabled component.
// The adapter executes dispatched commands against field devices; a nil
// adapter disables the dispatcher regardless of configuration.
func NewEngine(ctx context.Context, cfg *config.Config, adapter dispatch.Adapter) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "NewEngine", "check config")
	}

	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default().With("component", "engine"),
		registry:  metric.NewMetricsRegistry(),
		healthMon: health.NewMonitor(),
	}

	busClient, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*bus.Client, error) {
		return bus.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			bus.WithMetrics(e.registry))
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Engine", "NewEngine", "connect bus")
	}
	e.bus = busClient
	e.healthMon.Register("bus", busClient.Ping)

	e.models = model.NewStore(busClient)
	e.alarms = alarm.NewManager(busClient, alarm.WithMetrics(e.registry))

	if cfg.Sync.Enabled {
		e.sync = syncengine.NewEngine(busClient, cfg.Sync.Interval.Std(),
			syncengine.WithEngineMetrics(e.registry))
	}

	if cfg.Dispatch.Enabled && adapter != nil {
		e.dispatcher = dispatch.NewDispatcher(busClient, adapter, cfg.Dispatch.Source,
			dispatch.WithPopWait(cfg.Dispatch.PopWait.Std()),
			dispatch.WithExecTimeout(cfg.Dispatch.ExecTimeout.Std()),
			dispatch.WithResultTTL(cfg.Dispatch.ResultTTL.Std()),
			dispatch.WithDiscoveryInterval(cfg.Dispatch.DiscoveryInterval.Std()),
			dispatch.WithMetrics(e.registry))
	}

	if cfg.Rules.Enabled {
		resolver := rule.NewSnapshot(busClient, cfg.Broker.DataSource)
		e.rules = rule.NewEvaluator(busClient, e.alarms, resolver, cfg.Rules.Interval.Std(),
			rule.WithQueueSource(cfg.Rules.QueueSource),
			rule.WithMetrics(e.registry))
	}

	if cfg.Broker.Enabled {
		opts := []broker.BrokerOption{
			broker.WithAddr(cfg.Broker.Addr),
			broker.WithPath(cfg.Broker.Path),
			broker.WithSources(cfg.Broker.DataSource, cfg.Broker.QueueSource),
			broker.WithStaleAfter(cfg.Broker.StaleAfter.Std()),
			broker.WithRateLimit(cfg.Broker.MessageRate, cfg.Broker.MessageBurst),
			broker.WithAlarmEvents(e.alarms.Events()),
			broker.WithMetrics(e.registry),
		}
		if e.dispatcher != nil {
			opts = append(opts, broker.WithQueueNotifier(e.dispatcher))
		}
		e.broker = broker.NewBroker(busClient, opts...)
	}

	if e.sync != nil {
		e.runners = append(e.runners, namedRunner{"sync", e.sync})
	}
	if e.dispatcher != nil {
		e.runners = append(e.runners, namedRunner{"dispatch", e.dispatcher})
	}
	if e.rules != nil {
		e.runners = append(e.runners, namedRunner{"rules", e.rules})
	}
	if e.broker != nil {
		e.runners = append(e.runners, namedRunner{"broker", e.broker})
	}

	e.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           e.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e, nil
}

// Models exposes the model store for administrative callers.
func (e *Engine) Models() *model.Store {
	return e.models
}

// Alarms exposes the alarm manager for administrative callers.
func (e *Engine) Alarms() *alarm.Manager {
	return e.alarms
}

// Run starts every component and blocks until the context is cancelled
// or the HTTP server fails. Components stop in reverse start order.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		e.stop()
		_ = e.bus.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.logger.Info("operational endpoint listening", "addr", e.httpServer.Addr)
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "Engine", "Run", "serve http")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = e.httpServer.Shutdown(shutCtx)
		e.stop()
		return nil
	})

	err := g.Wait()
	_ = e.bus.Close()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) start(ctx context.Context) error {
	for _, nr := range e.runners {
		if err := nr.runner.Start(ctx); err != nil {
			return err
		}
		e.logger.Info("component started", "name", nr.name)
	}
	return nil
}

func (e *Engine) stop() {
	for i := len(e.runners) - 1; i >= 0; i-- {
		nr := e.runners[i]
		if err := nr.runner.Stop(stopTimeout); err != nil {
			e.logger.Warn("component stop failed", "name", nr.name, "error", err)
		}
	}
}

func (e *Engine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.registry.Handler())
	mux.HandleFunc("/healthz", e.handleHealth)
	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := e.healthMon.Check(ctx, e.cfg.Service.Name)
	for _, sub := range status.SubStatuses {
		e.registry.CoreMetrics().RecordHealthStatus(sub.Component, sub.Healthy)
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
