// Package runner executes claimed triggers with one handler and persists the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"triggerd/internal/eventbus"
	"triggerd/internal/runtime/shutdown"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// Handler processes triggers of one type. Process must honour ctx: it is
// cancelled on abort requests, process timeout and shutdown.
//
// UI handlers report a result with t.SetResponse before returning nil, and can
// wrap errors with trigger.WithDetail to attach a structured error payload.
type Handler interface {
	Type() string
	Process(ctx context.Context, t *trigger.Trigger) error
}

// Store is the subset of storage.Store the runner needs.
type Store interface {
	Get(ctx context.Context, id string) (*trigger.Trigger, error)
	Update(ctx context.Context, t *trigger.Trigger) error
}

type Config struct {
	Type string
	// Parallelism bounds concurrent Process calls within one batch. <=1 runs sequentially.
	Parallelism int
	// ProcessTimeout bounds a single Process call. 0 means no limit besides ctx.
	ProcessTimeout time.Duration
	// PersistTimeout bounds the outcome write after the handler returned.
	PersistTimeout time.Duration
}

type token struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

type Runner struct {
	cfg   Config
	h     Handler
	store Store
	coord *shutdown.Coordinator
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu     sync.Mutex
	tokens map[string]*token
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(cfg Config, h Handler, store Store, coord *shutdown.Coordinator, log logx.Logger, bus eventbus.Bus, opts ...Option) *Runner {
	if cfg.Type == "" && h != nil {
		cfg.Type = h.Type()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if coord == nil {
		coord = shutdown.New()
	}
	r := &Runner{
		cfg:    cfg,
		h:      h,
		store:  store,
		coord:  coord,
		log:    log.With(logx.String("comp", "runner"), logx.String("type", cfg.Type)),
		bus:    bus,
		now:    time.Now,
		tokens: map[string]*token{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run processes the batch and returns when every trigger is done.
// Triggers are independent: one failing never affects the others.
func (r *Runner) Run(ctx context.Context, batch []*trigger.Trigger) {
	if len(batch) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for _, t := range batch {
		g.Go(func() error {
			r.processSafely(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// Abort cancels the running handlers of the given triggers.
// Triggers not running in this process are ignored.
func (r *Runner) Abort(ctx context.Context, batch []*trigger.Trigger) {
	for _, t := range batch {
		r.mu.Lock()
		tok := r.tokens[t.ID]
		r.mu.Unlock()
		if tok == nil {
			continue
		}
		if tok.aborted.CompareAndSwap(false, true) {
			r.log.Info("abort requested", logx.String("id", t.ID))
		}
		tok.cancel()
	}
}

// Running returns the IDs of triggers whose handler is executing.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		out = append(out, id)
	}
	return out
}

func (r *Runner) processSafely(ctx context.Context, t *trigger.Trigger) {
	if r.coord.ShuttingDown() {
		r.log.Debug("shutdown in progress, trigger left for recovery", logx.String("id", t.ID))
		return
	}
	tok := r.coord.Register(r.cfg.Type + "/" + t.ID)
	defer r.coord.Unregister(tok)

	if ctx.Err() != nil {
		r.log.Debug("job context done before start, trigger left for recovery", logx.String("id", t.ID))
		return
	}

	start := r.now()
	t.Status = trigger.StatusProcessing
	if err := r.store.Update(ctx, t); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			r.onStartConflict(ctx, t)
			return
		}
		r.log.Error("mark processing failed", logx.String("id", t.ID), logx.Err(err))
		r.persistFailure(ctx, t, fmt.Errorf("mark processing: %w", err), start)
		return
	}

	aborted, err := r.execute(ctx, t)
	switch {
	case err == nil || aborted:
	case errors.Is(err, storage.ErrConflict):
		r.log.Debug("optimistic conflict in handler, skipped", logx.String("id", t.ID), logx.Err(err))
		return
	case r.coord.ShuttingDown() && ctx.Err() != nil:
		// Stuck recovery hands the trigger to another run.
		r.log.Warn("handler interrupted by shutdown", logx.String("id", t.ID), logx.Err(err))
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()
	r.finish(pctx, t, err, aborted, start)
}

// execute runs the handler under a cancel token that Abort can fire.
func (r *Runner) execute(ctx context.Context, t *trigger.Trigger) (bool, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.cfg.ProcessTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	tok := &token{cancel: cancel}

	r.mu.Lock()
	r.tokens[t.ID] = tok
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.tokens, t.ID)
		r.mu.Unlock()
		cancel()
	}()

	id, version := t.ID, t.Version
	err := r.invoke(runCtx, t)
	// Identity and CAS state belong to the runner.
	t.ID, t.Version, t.Status = id, version, trigger.StatusProcessing
	return tok.aborted.Load(), err
}

func (r *Runner) invoke(ctx context.Context, t *trigger.Trigger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic", logx.String("id", t.ID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.h.Process(ctx, t)
}

// outcome applies the result of one execution onto x.
func outcome(x *trigger.Trigger, err error, aborted bool, now time.Time) {
	switch {
	case err == nil:
		trigger.Succeed(x, now)
	case aborted:
		trigger.Cancel(x)
	default:
		trigger.Fail(x, err, now)
	}
}

func (r *Runner) finish(ctx context.Context, t *trigger.Trigger, err error, aborted bool, start time.Time) {
	outcome(t, err, aborted, r.now())
	perr := r.store.Update(ctx, t)
	switch {
	case perr == nil:
		r.finished(t, err, start)
		return
	case errors.Is(perr, storage.ErrConflict):
		r.onFinishConflict(ctx, t, err, aborted, start)
		return
	}

	r.log.Error("persist outcome failed", logx.String("id", t.ID), logx.String("status", string(t.Status)), logx.Err(perr))
	if t.Status != trigger.StatusSuccess {
		return
	}
	r.persistFailure(ctx, t, fmt.Errorf("persist outcome: %w", perr), start)
}

// onStartConflict handles a trigger whose row changed between claim and start.
// A cancellation request is honoured without running the handler.
func (r *Runner) onStartConflict(ctx context.Context, t *trigger.Trigger) {
	fresh, err := r.store.Get(ctx, t.ID)
	if err != nil {
		r.log.Debug("trigger gone before start", logx.String("id", t.ID), logx.Err(err))
		return
	}
	if fresh.Status != trigger.StatusCancelling {
		r.log.Debug("trigger changed before start, skipped", logx.String("id", t.ID), logx.String("status", string(fresh.Status)))
		return
	}
	trigger.Cancel(fresh)
	if err := r.store.Update(ctx, fresh); err != nil {
		r.log.Debug("cancel before start lost", logx.String("id", t.ID), logx.Err(err))
		return
	}
	r.log.Info("trigger cancelled before start", logx.String("id", t.ID))
	r.publish(trigger.EventAborted, trigger.EventData{Type: r.cfg.Type, ID: t.ID, Status: fresh.Status})
}

// onFinishConflict handles an outcome write that lost its version. A pending
// cancellation loses to a handler that already finished; anything else means
// the trigger moved on without us.
func (r *Runner) onFinishConflict(ctx context.Context, t *trigger.Trigger, err error, aborted bool, start time.Time) {
	fresh, gerr := r.store.Get(ctx, t.ID)
	if gerr != nil || fresh.Status != trigger.StatusCancelling {
		r.log.Debug("optimistic conflict on outcome, skipped", logx.String("id", t.ID), logx.Err(gerr))
		return
	}
	fresh.Response = t.Response
	outcome(fresh, err, aborted, r.now())
	if uerr := r.store.Update(ctx, fresh); uerr != nil {
		r.log.Debug("outcome after cancel request lost", logx.String("id", t.ID), logx.Err(uerr))
		return
	}
	r.finished(fresh, err, start)
}

// persistFailure records ERROR for t. A failure here is only logged.
func (r *Runner) persistFailure(ctx context.Context, t *trigger.Trigger, cause error, start time.Time) {
	trigger.Fail(t, cause, r.now())
	if err := r.store.Update(ctx, t); err != nil {
		r.log.Error("persist error outcome failed", logx.String("id", t.ID), logx.Err(err))
		return
	}
	r.finished(t, cause, start)
}

func (r *Runner) finished(t *trigger.Trigger, cause error, start time.Time) {
	data := trigger.EventData{Type: r.cfg.Type, ID: t.ID, Status: t.Status, Duration: r.now().Sub(start)}
	if t.Status == trigger.StatusCancelled {
		r.log.Info("trigger cancelled", logx.String("id", t.ID))
		r.publish(trigger.EventAborted, data)
		return
	}
	if cause != nil {
		data.Error = cause.Error()
		r.log.Warn("trigger failed", logx.String("id", t.ID), logx.Err(cause), logx.Duration("took", data.Duration))
	} else {
		r.log.Debug("trigger done", logx.String("id", t.ID), logx.Duration("took", data.Duration))
	}
	r.publish(trigger.EventFinished, data)
}

func (r *Runner) publish(typ string, data trigger.EventData) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
	}
}
