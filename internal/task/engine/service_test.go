package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})

	task := Task{Name: "poll", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, State: st, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started

	second := task
	second.Run = func(context.Context) error { return nil }
	if err := s.Enqueue(second); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v want ErrOverlapSkip", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for st.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("run state never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("skipped=%d want 1", got)
	}
}

func TestTaskPanicIsRecorded(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	failed, unsub := bus.Subscribe("task.failed", 4)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case ev := <-failed:
		te, _ := ev.Data.(TaskEvent)
		if te.Name != "boom" || te.Error == "" {
			t.Fatalf("unexpected event %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no task.failed event")
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	err := s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout not applied")
	}
}

func TestNoTimeoutIgnoresDefault(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 10 * time.Millisecond})
	done := make(chan bool, 1)
	err := s.Enqueue(Task{Name: "batch", Timeout: NoTimeout, Run: func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		done <- hasDeadline
		return nil
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case hasDeadline := <-done:
		if hasDeadline {
			t.Fatalf("task ran with a deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task never ran")
	}
}

func TestEnqueueRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}
