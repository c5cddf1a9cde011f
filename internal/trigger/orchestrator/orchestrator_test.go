package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/runtime/shutdown"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	"triggerd/internal/task/scheduler"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

type testHandler struct {
	typ      string
	settings Settings
	fn       func(ctx context.Context, t *trigger.Trigger) error
}

func (h *testHandler) Type() string       { return h.typ }
func (h *testHandler) Settings() Settings { return h.settings }
func (h *testHandler) Process(ctx context.Context, t *trigger.Trigger) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, t)
}

type job struct {
	schedule, tz string
	timeout      time.Duration
	run          func(ctx context.Context) error
}

type fakeScheduler struct {
	mu     sync.Mutex
	jobs   map[string]job
	runNow []string
	// failOn makes AddScheduleIn reject that job name.
	failOn string
}

func (f *fakeScheduler) AddScheduleIn(name, schedule, tz string, timeout time.Duration, _ scheduler.TaskOptions, run func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return "", errors.New("bad schedule")
	}
	if f.jobs == nil {
		f.jobs = map[string]job{}
	}
	f.jobs[name] = job{schedule: schedule, tz: tz, timeout: timeout, run: run}
	return name, nil
}

func (f *fakeScheduler) RunNow(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runNow = append(f.runNow, name)
	return nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.jobs, name)
	return ok
}

func TestRegisterRollsBackOnScheduleError(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{failOn: CancelJob("export")}
	o := New(Config{Worker: true}, storage.NewMemory(), sched, nil, logx.Nop(), nil)
	h := &testHandler{typ: "export", settings: Settings{Kind: trigger.KindUI}}

	if err := o.Register(h); err == nil {
		t.Fatalf("register succeeded with a failing cancel job")
	}
	if len(sched.jobs) != 0 || len(sched.runNow) != 0 {
		t.Fatalf("half-registered jobs left behind: %v run=%v", sched.jobs, sched.runNow)
	}
	if _, ok := o.Kind("export"); ok {
		t.Fatalf("failed handler still registered")
	}

	sched.failOn = ""
	if err := o.Register(h); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sched.jobs) != 2 {
		t.Fatalf("jobs after retry %v", sched.jobs)
	}
}

func TestRegistrationOnly(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	o := New(Config{Worker: false}, storage.NewMemory(), sched, nil, logx.Nop(), nil)
	if err := o.Register(&testHandler{typ: "remind", settings: Settings{Kind: trigger.KindTime}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(sched.jobs) != 0 || len(sched.runNow) != 0 {
		t.Fatalf("registration-only process scheduled jobs: %v", sched.jobs)
	}
	if k, ok := o.Kind("remind"); !ok || k != trigger.KindTime {
		t.Fatalf("kind=%q ok=%v", k, ok)
	}
}

func TestRegisterSchedulesBothJobs(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	o := New(Config{
		Worker:    true,
		Overrides: map[string]Settings{"export": {Schedule: "*/5 * * * *", BatchLimit: 7}},
	}, storage.NewMemory(), sched, nil, logx.Nop(), nil)

	h := &testHandler{typ: "export", settings: Settings{Kind: trigger.KindUI, Schedule: "30s", Timezone: "Asia/Jakarta"}}
	if err := o.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	p, ok := sched.jobs[ProcessJob("export")]
	if !ok || p.schedule != "*/5 * * * *" || p.tz != "Asia/Jakarta" {
		t.Fatalf("process job %+v", p)
	}
	c, ok := sched.jobs[CancelJob("export")]
	if !ok || c.schedule != "2s" {
		t.Fatalf("cancel job %+v", c)
	}
	if p.timeout != scheduler.NoTimeout || c.timeout != scheduler.NoTimeout {
		t.Fatalf("job timeouts %v/%v, want none", p.timeout, c.timeout)
	}
	if len(sched.runNow) != 2 {
		t.Fatalf("jobs not started immediately: %v", sched.runNow)
	}
	if hs := o.Handlers(); len(hs) != 1 || hs[0].Settings.BatchLimit != 7 {
		t.Fatalf("handlers %+v", hs)
	}

	if err := o.Register(h); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("duplicate register err=%v", err)
	}
}

func TestJobsFetchAndRun(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	sched := &fakeScheduler{}
	coord := shutdown.New()
	o := New(Config{Worker: true}, mem, sched, coord, logx.Nop(), nil)

	started := make(chan struct{}, 1)
	h := &testHandler{typ: "export", settings: Settings{Kind: trigger.KindUI}, fn: func(ctx context.Context, t *trigger.Trigger) error {
		if string(t.Payload) == `"slow"` {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return t.SetResponse("ok")
	}}
	if err := o.Register(h); err != nil {
		t.Fatal(err)
	}

	fast := trigger.NewUI("export", "u", []byte(`"fast"`), time.Now())
	if err := mem.Insert(context.Background(), fast); err != nil {
		t.Fatal(err)
	}
	if err := sched.jobs[ProcessJob("export")].run(context.Background()); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if got, _ := mem.Get(context.Background(), fast.ID); got.Status != trigger.StatusSuccess {
		t.Fatalf("fast status=%s", got.Status)
	}

	slow := trigger.NewUI("export", "u", []byte(`"slow"`), time.Now())
	if err := mem.Insert(context.Background(), slow); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = sched.jobs[ProcessJob("export")].run(context.Background())
		close(done)
	}()
	<-started

	row, _ := mem.Get(context.Background(), slow.ID)
	row.Status = trigger.StatusCancelling
	if err := mem.Update(context.Background(), row); err != nil {
		t.Fatal(err)
	}
	if err := sched.jobs[CancelJob("export")].run(context.Background()); err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("cancel job did not abort the handler")
	}
	if got, _ := mem.Get(context.Background(), slow.ID); got.Status != trigger.StatusCancelled {
		t.Fatalf("slow status=%s", got.Status)
	}

	coord.Begin()
	late := trigger.NewUI("export", "u", nil, time.Now())
	_ = mem.Insert(context.Background(), late)
	_ = sched.jobs[ProcessJob("export")].run(context.Background())
	if got, _ := mem.Get(context.Background(), late.ID); got.Status != trigger.StatusIdle {
		t.Fatalf("claimed during shutdown: %s", got.Status)
	}
}

func TestWithRealScheduler(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), bus)
	eng.Start(context.Background())
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), bus)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
		eng.Stop(ctx)
	})

	mem := storage.NewMemory()
	tr := trigger.New("echo", nil, time.Now())
	if err := mem.Insert(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	o := New(Config{Worker: true}, mem, sched, nil, logx.Nop(), bus)
	if err := o.Register(&testHandler{typ: "echo", settings: Settings{Schedule: "1h"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The initial run happens right away, not an hour from now.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := mem.Get(context.Background(), tr.ID)
		if got.Status == trigger.StatusSuccess {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("trigger not processed, status=%s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
