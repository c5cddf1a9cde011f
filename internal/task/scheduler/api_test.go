package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

func TestCronInZone(t *testing.T) {
	t.Parallel()

	got, err := CronInZone("0 3 * * *", "Europe/Berlin")
	if err != nil || got != "CRON_TZ=Europe/Berlin 0 3 * * *" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = CronInZone("TZ=UTC 0 3 * * *", "Europe/Berlin")
	if err != nil || got != "TZ=UTC 0 3 * * *" {
		t.Fatalf("pre-zoned expression rewritten: %q, %v", got, err)
	}
	if got, _ := CronInZone("0 3 * * *", ""); got != "0 3 * * *" {
		t.Fatalf("empty zone should keep expression, got %q", got)
	}
	if _, err := CronInZone("0 3 * * *", "Mars/Olympus"); err == nil {
		t.Fatalf("expected invalid timezone error")
	}
}

func TestAddScheduleInUpsertsAndValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	if _, err := s.AddScheduleIn("a", "0 3 * * *", "Mars/Olympus", 0, TaskOptions{}, job); err == nil {
		t.Fatalf("expected timezone error")
	}
	if _, err := s.AddScheduleIn("a", "61 * * * *", "", 0, TaskOptions{}, job); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if _, err := s.AddScheduleIn("a", "0 3 * * *", "UTC", 0, TaskOptions{}, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddScheduleIn("a", "5s", "UTC", 0, TaskOptions{}, job); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%d want 1 after upsert", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "@every 5s" {
		t.Fatalf("spec=%q", snap.Schedules[0].Spec)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("remove should succeed exactly once")
	}
}

func TestRunNowEnqueuesOnEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ran := make(chan struct{}, 1)
	if _, err := s.AddScheduleIn("tick", "1h", "", 0, TaskOptions{Overlap: OverlapSkipIfRunning}, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RunNow("tick"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("err=%v want ErrUnknownSchedule", err)
	}
}

func TestEnqueueRefusalsAreThrottledPerSchedule(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: false}, logx.Nop(), nil)
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)

	s.reportEnqueueError("trigger.echo.process", engine.ErrOverlapSkip)
	s.reportEnqueueError("trigger.echo.process", engine.ErrStopping)
	if len(s.missed) != 0 {
		t.Fatalf("overlap and shutdown refusals should not be tracked: %v", s.missed)
	}

	for i := 0; i < 3; i++ {
		s.reportEnqueueError("trigger.echo.process", engine.ErrQueueFull)
	}
	s.reportEnqueueError("trigger.echo.cancel", engine.ErrDisabled)

	m := s.missed["trigger.echo.process"]
	if m == nil || m.lastWarn.IsZero() || m.suppressed != 2 {
		t.Fatalf("process ticks %+v, want one warning and 2 suppressed", m)
	}
	if c := s.missed["trigger.echo.cancel"]; c == nil || c.suppressed != 0 {
		t.Fatalf("cancel ticks %+v, want its own window", c)
	}
}

func TestRefusalNames(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		engine.ErrOverlapSkip:                          "overlap_skip",
		fmt.Errorf("enqueue: %w", engine.ErrQueueFull): "queue_full",
		engine.ErrStopped:                              "stopping",
		engine.ErrDisabled:                             "disabled",
		errors.New("boom"):                             "",
	}
	for err, want := range cases {
		if got := engine.Refusal(err); got != want {
			t.Fatalf("Refusal(%v)=%q want %q", err, got, want)
		}
	}
}
