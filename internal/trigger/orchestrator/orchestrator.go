// Package orchestrator wires trigger handlers to the periodic job runner.
//
// For every registered handler an active worker schedules two jobs:
//
//	trigger.<type>.process  on the handler schedule: FetchReady then Run
//	trigger.<type>.cancel   on a short fixed interval: FetchCancelling then Abort
//
// A registration-only process (worker disabled) records handlers so their
// kinds are known to producers, but never fetches or executes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/runtime/shutdown"
	"triggerd/internal/storage"
	"triggerd/internal/task/scheduler"
	"triggerd/internal/trigger"
	"triggerd/internal/trigger/fetcher"
	"triggerd/internal/trigger/runner"
	logx "triggerd/pkg/logx"
)

const (
	DefaultSchedule           = "10s"
	DefaultCancelPollInterval = 2 * time.Second
)

var ErrDuplicateHandler = errors.New("handler already registered")

// Settings are a handler's scheduling and housekeeping parameters.
// Zero fields fall back to defaults (or disable TTL and stuck recovery).
type Settings struct {
	Kind           trigger.Kind  `json:"kind"`
	Schedule       string        `json:"schedule"`
	Timezone       string        `json:"timezone,omitempty"`
	StuckTimeout   time.Duration `json:"stuck_timeout,omitempty"`
	TTL            time.Duration `json:"ttl,omitempty"`
	BatchLimit     int           `json:"batch_limit,omitempty"`
	ProcessTimeout time.Duration `json:"process_timeout,omitempty"`
}

// merge overlays the non-zero fields of o.
func (s Settings) merge(o Settings) Settings {
	if o.Schedule != "" {
		s.Schedule = o.Schedule
	}
	if o.Timezone != "" {
		s.Timezone = o.Timezone
	}
	if o.StuckTimeout > 0 {
		s.StuckTimeout = o.StuckTimeout
	}
	if o.TTL > 0 {
		s.TTL = o.TTL
	}
	if o.BatchLimit > 0 {
		s.BatchLimit = o.BatchLimit
	}
	if o.ProcessTimeout > 0 {
		s.ProcessTimeout = o.ProcessTimeout
	}
	return s
}

type Handler interface {
	runner.Handler
	Settings() Settings
}

// Scheduler is the part of the job runner the orchestrator drives.
type Scheduler interface {
	AddScheduleIn(name, schedule, tz string, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	RunNow(name string) error
	Remove(name string) bool
}

type Config struct {
	// Worker selects the process role; it is read once at construction.
	Worker             bool
	CancelPollInterval time.Duration
	RecoverCancelling  string
	Parallelism        int
	// Overrides replace handler settings per type, typically from config.
	Overrides map[string]Settings
}

type registered struct {
	h        Handler
	settings Settings
	fetcher  *fetcher.Fetcher
	runner   *runner.Runner
}

type Orchestrator struct {
	cfg   Config
	store storage.Store
	sched Scheduler
	coord *shutdown.Coordinator
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.RWMutex
	handlers map[string]*registered
}

func New(cfg Config, store storage.Store, sched Scheduler, coord *shutdown.Coordinator, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultCancelPollInterval
	}
	if coord == nil {
		coord = shutdown.New()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		coord:    coord,
		log:      log.With(logx.String("comp", "orchestrator")),
		bus:      bus,
		handlers: map[string]*registered{},
	}
}

func (o *Orchestrator) Worker() bool { return o.cfg.Worker }

// Register adds a handler. On an active worker it also schedules the
// processing and cancellation jobs and kicks both off once immediately.
func (o *Orchestrator) Register(h Handler) error {
	typ := strings.TrimSpace(h.Type())
	if typ == "" {
		return errors.New("handler type required")
	}
	st := h.Settings()
	if !st.Kind.Valid() {
		st.Kind = trigger.KindPlain
	}
	st = st.merge(o.cfg.Overrides[typ])
	if st.Schedule == "" {
		st.Schedule = DefaultSchedule
	}

	o.mu.Lock()
	if _, ok := o.handlers[typ]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, typ)
	}
	reg := &registered{h: h, settings: st}
	o.handlers[typ] = reg
	o.mu.Unlock()

	log := o.log.With(logx.String("type", typ))
	if !o.cfg.Worker {
		log.Info("handler registered (registration-only, not scheduled)", logx.String("kind", string(st.Kind)))
		return nil
	}

	reg.fetcher = fetcher.New(fetcher.Config{
		Type:              typ,
		Strategy:          trigger.StrategyFor(st.Kind),
		BatchLimit:        st.BatchLimit,
		StuckTimeout:      st.StuckTimeout,
		TTL:               st.TTL,
		RecoverCancelling: o.cfg.RecoverCancelling,
	}, o.store, o.log, o.bus)
	reg.runner = runner.New(runner.Config{
		Type:           typ,
		Parallelism:    o.cfg.Parallelism,
		ProcessTimeout: st.ProcessTimeout,
	}, h, o.store, o.coord, o.log, o.bus)

	// Trigger jobs run without an engine deadline: a batch cut short mid-way
	// would strand claimed rows. process_timeout bounds each handler instead.
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
	process, cancel := ProcessJob(typ), CancelJob(typ)

	if _, err := o.sched.AddScheduleIn(process, st.Schedule, st.Timezone, scheduler.NoTimeout, opt, func(ctx context.Context) error {
		if o.coord.ShuttingDown() {
			return nil
		}
		reg.runner.Run(ctx, reg.fetcher.FetchReady(ctx))
		return nil
	}); err != nil {
		o.forget(typ)
		return fmt.Errorf("schedule %s: %w", process, err)
	}
	if _, err := o.sched.AddScheduleIn(cancel, o.cfg.CancelPollInterval.String(), "", scheduler.NoTimeout, opt, func(ctx context.Context) error {
		reg.runner.Abort(ctx, reg.fetcher.FetchCancelling(ctx))
		return nil
	}); err != nil {
		o.sched.Remove(process)
		o.forget(typ)
		return fmt.Errorf("schedule %s: %w", cancel, err)
	}

	for _, name := range []string{process, cancel} {
		if err := o.sched.RunNow(name); err != nil {
			log.Warn("initial run not queued", logx.String("job", name), logx.Err(err))
		}
	}
	log.Info("handler scheduled",
		logx.String("kind", string(st.Kind)),
		logx.String("schedule", st.Schedule),
		logx.String("tz", st.Timezone),
		logx.Int("batch_limit", reg.fetcher.Config().BatchLimit),
		logx.Duration("stuck_timeout", st.StuckTimeout),
		logx.Duration("ttl", st.TTL),
	)
	return nil
}

// forget drops a handler whose jobs could not be scheduled, so Register can be retried.
func (o *Orchestrator) forget(typ string) {
	o.mu.Lock()
	delete(o.handlers, typ)
	o.mu.Unlock()
}

// Kind reports the kind of a registered handler type.
func (o *Orchestrator) Kind(typ string) (trigger.Kind, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.handlers[typ]
	if !ok {
		return "", false
	}
	return reg.settings.Kind, true
}

// HandlerInfo describes one registered handler.
type HandlerInfo struct {
	Type     string   `json:"type"`
	Settings Settings `json:"settings"`
	Running  []string `json:"running,omitempty"`
}

// Handlers lists registered handlers sorted by type.
func (o *Orchestrator) Handlers() []HandlerInfo {
	o.mu.RLock()
	out := make([]HandlerInfo, 0, len(o.handlers))
	for typ, reg := range o.handlers {
		hi := HandlerInfo{Type: typ, Settings: reg.settings}
		if reg.runner != nil {
			hi.Running = reg.runner.Running()
			sort.Strings(hi.Running)
		}
		out = append(out, hi)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func ProcessJob(typ string) string { return "trigger." + typ + ".process" }
func CancelJob(typ string) string  { return "trigger." + typ + ".cancel" }
