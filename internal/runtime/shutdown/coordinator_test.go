package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterUnregisterOnce(t *testing.T) {
	t.Parallel()

	c := New()
	a := c.Register("echo:1")
	b := c.Register("echo:2")
	if a == b {
		t.Fatalf("tokens must be unique")
	}
	if got := c.Active(); len(got) != 2 || got[0] != "echo:1" {
		t.Fatalf("active=%v", got)
	}
	if !c.Unregister(a) {
		t.Fatalf("first unregister should report true")
	}
	if c.Unregister(a) {
		t.Fatalf("second unregister should report false")
	}
	if c.Count() != 1 {
		t.Fatalf("count=%d want 1", c.Count())
	}
}

func TestWaitReturnsWhenDrained(t *testing.T) {
	t.Parallel()

	c := New()
	tok := c.Register("slow")
	c.Begin()
	if !c.ShuttingDown() {
		t.Fatalf("Begin did not flip the flag")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Unregister(tok)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	t.Parallel()

	c := New()
	c.Register("stuck")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}
