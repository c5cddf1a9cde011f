package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	"triggerd/internal/handlers"
	"triggerd/internal/observability/metrics"
	"triggerd/internal/runtime/shutdown"
	"triggerd/internal/runtime/supervisor"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	"triggerd/internal/task/scheduler"
	"triggerd/internal/transport/httpapi"
	"triggerd/internal/trigger/orchestrator"
	"triggerd/internal/trigger/uitrigger"
	logx "triggerd/pkg/logx"
)

// App owns every long-lived component of one triggerd process.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	coord *shutdown.Coordinator

	engine *engine.Service
	sched  *scheduler.Service
	orch   *orchestrator.Orchestrator
	ui     *uitrigger.Service
	http   *httpapi.Service

	bridge    *metrics.Bridge
	handlers  []orchestrator.Handler
	heartbeat *handlers.Heartbeat
	drain     time.Duration
}

// New loads the config and builds the component graph. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, mapStorage(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		coord: shutdown.New(),
		drain: drainTimeout(cfg),
	}

	a.engine = engine.New(mapEngine(cfg), log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, log.With(logx.String("comp", "scheduler")), a.bus)
	a.orch = orchestrator.New(mapOrchestrator(cfg), store, a.sched, a.coord, log, a.bus)
	a.ui = uitrigger.New(store, a.orch, log.With(logx.String("comp", "uitrigger")))

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink := metrics.NewPrometheusSink(reg, metrics.Gauges{
			InFlight:   func() float64 { return float64(a.coord.Count()) },
			BusDropped: func() float64 { return float64(a.bus.Dropped()) },
			LogDropped: func() float64 { return float64(a.logs.Dropped()) },
		}, log.With(logx.String("comp", "metrics")))
		a.bridge = metrics.NewBridge(a.bus, sink, 512)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	a.http = httpapi.New(mapHTTP(cfg), httpapi.Deps{
		UI:       a.ui,
		Metrics:  metricsHandler,
		Handlers: func() any { return a.orch.Handlers() },
		Schedule: func() any { return a.sched.Snapshot() },
		Ready:    a.ready,
	}, log)

	a.handlers = []orchestrator.Handler{handlers.NewEcho(log)}
	if every := config.MustDuration(cfg.Worker.Heartbeat, 0); every > 0 {
		a.heartbeat = handlers.NewHeartbeat(every, store, log)
		a.handlers = append(a.handlers, a.heartbeat)
	}
	return a, nil
}

// register hands every handler to the orchestrator. On a worker this
// schedules their jobs, so the engine and scheduler must already run.
func (a *App) register() error {
	for _, h := range a.handlers {
		if err := a.orch.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.Type(), err)
		}
	}
	return nil
}

// ready backs /healthz; a draining process reports unavailable so load
// balancers move UI traffic elsewhere.
func (a *App) ready() error {
	if a.coord.ShuttingDown() {
		return errors.New("shutting down")
	}
	return nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the components in dependency order: engine, scheduler,
// handler registration, http.
func (a *App) Start(ctx context.Context) error {
	// Detached from ctx: a signal goes through Stop, which drains in-flight
	// triggers before their contexts are canceled.
	a.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.bridge != nil {
		a.sup.Go0("metrics.bridge", a.bridge.Run)
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.register(); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.heartbeat != nil && a.orch.Worker() {
		if err := a.heartbeat.Ensure(ctx); err != nil {
			a.log.Warn("heartbeat seed failed", logx.Err(err))
		}
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.applyLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.Bool("worker", a.orch.Worker()),
		logx.Int("handlers", len(a.orch.Handlers())),
	)
	return nil
}

// applyLoop applies hot-reloadable sections and warns about the rest.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(mapLogging(next))
			if cold := config.RestartRequired(sections); len(cold) > 0 {
				a.log.Warn("config sections changed; restart required for them to take effect",
					logx.String("sections", strings.Join(cold, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Stop shuts down in reverse: refuse new work, stop scheduling, drain
// in-flight triggers (bounded), then tear down the engine, http and store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.coord.Begin()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("drain", a.drain, func(c context.Context) error {
		if err := a.coord.Wait(c); err != nil {
			return fmt.Errorf("%d trigger(s) still running, oldest %s: %w",
				a.coord.Count(), a.coord.OldestAge().Round(time.Millisecond), err)
		}
		return nil
	})

	// Remaining handlers see their context canceled; their rows are left for stuck recovery.
	a.sup.Cancel()

	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
