package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// base is millisecond aligned so the sqlite driver round-trips it exactly.
var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type opener func(t *testing.T) Store

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	ds := map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "triggers.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "triggers.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return s
		},
	}
	if dsn := os.Getenv("TRIGGERD_TEST_POSTGRES_DSN"); dsn != "" {
		ds["postgres"] = func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres store: %v", err)
			}
			return s
		}
	}
	return ds
}

// each runs fn against every driver with a fresh store and a unique trigger type,
// so a shared postgres database does not leak rows between cases.
func each(t *testing.T, fn func(t *testing.T, s Store, typ string)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s, "t-"+trigger.New("x", nil, base).ID[:8])
		})
	}
}

func mustInsert(t *testing.T, s Store, tr *trigger.Trigger) *trigger.Trigger {
	t.Helper()
	if err := s.Insert(context.Background(), tr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return tr
}

func TestInsertGetRoundTrip(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		ctx := context.Background()
		ui := trigger.NewUI(typ, "alice", json.RawMessage(`{"n":1}`), base)
		mustInsert(t, s, ui)
		timed := mustInsert(t, s, trigger.NewTimeBased(typ, nil, base.Add(time.Hour), base))

		got, err := s.Get(ctx, ui.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Kind != trigger.KindUI || got.UserID != "alice" || got.Status != trigger.StatusIdle || !got.Active {
			t.Fatalf("unexpected row %+v", got)
		}
		var p map[string]int
		if err := json.Unmarshal(got.Payload, &p); err != nil || p["n"] != 1 {
			t.Fatalf("payload %s", got.Payload)
		}
		if !got.CreatedAt.Equal(base) || got.NextRunAt != nil || got.Response != nil {
			t.Fatalf("variant fields %+v", got)
		}

		got, err = s.Get(ctx, timed.ID)
		if err != nil || got.NextRunAt == nil || !got.NextRunAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("time row %+v, %v", got, err)
		}

		if err := s.Insert(ctx, ui); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate insert err=%v", err)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing err=%v", err)
		}
	})
}

func TestUpdateIsConditionalOnVersion(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		ctx := context.Background()
		tr := mustInsert(t, s, trigger.NewUI(typ, "u", nil, base))

		stale := tr.Clone()
		tr.Status = trigger.StatusProcessing
		if err := s.Update(ctx, tr); err != nil {
			t.Fatalf("update: %v", err)
		}
		if tr.Version != 1 {
			t.Fatalf("version=%d want 1", tr.Version)
		}

		stale.Status = trigger.StatusCancelling
		if err := s.Update(ctx, stale); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update err=%v want ErrConflict", err)
		}

		_ = tr.SetResponse(map[string]string{"ok": "yes"})
		tr.Status = trigger.StatusSuccess
		if err := s.Update(ctx, tr); err != nil {
			t.Fatalf("second update: %v", err)
		}
		got, _ := s.Get(ctx, tr.ID)
		if got.Version != 2 || got.Status != trigger.StatusSuccess || string(got.Response) == "" {
			t.Fatalf("row after updates %+v", got)
		}

		ghost := trigger.New(typ, nil, base)
		if err := s.Update(ctx, ghost); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing err=%v", err)
		}
	})
}

func TestClaimOnlyFromIdleAtVersion(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		ctx := context.Background()
		tr := mustInsert(t, s, trigger.New(typ, nil, base))
		now := base.Add(time.Minute)

		if ok, err := s.Claim(ctx, tr.ID, 5, now); ok || err != nil {
			t.Fatalf("claim with wrong version ok=%v err=%v", ok, err)
		}
		if ok, err := s.Claim(ctx, tr.ID, 0, now); !ok || err != nil {
			t.Fatalf("claim ok=%v err=%v", ok, err)
		}
		if ok, _ := s.Claim(ctx, tr.ID, 1, now); ok {
			t.Fatalf("claimed a READY trigger")
		}
		got, _ := s.Get(ctx, tr.ID)
		if got.Status != trigger.StatusReady || got.Version != 1 || !got.ModifiedAt.Equal(now) {
			t.Fatalf("claimed row %+v", got)
		}
	})
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		tr := mustInsert(t, s, trigger.New(typ, nil, base))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(context.Background(), tr.ID, 0, base)
				if err != nil {
					t.Errorf("claim: %v", err)
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("winners=%d want 1", wins.Load())
		}
	})
}

func TestSelectOrdersAndLimits(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		ctx := context.Background()
		a := mustInsert(t, s, trigger.NewTimeBased(typ, nil, base.Add(3*time.Minute), base))
		b := mustInsert(t, s, trigger.NewTimeBased(typ, nil, base.Add(1*time.Minute), base.Add(time.Second)))
		c := mustInsert(t, s, trigger.NewTimeBased(typ, nil, base.Add(2*time.Minute), base.Add(2*time.Second)))
		mustInsert(t, s, trigger.NewTimeBased(typ, nil, base.Add(time.Hour), base))
		mustInsert(t, s, trigger.NewTimeBased(typ+"-other", nil, base, base))

		crit := trigger.TimeBased{}.Criteria(typ, base.Add(10*time.Minute))
		got, err := s.Select(ctx, crit)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if ids(got) != ids([]*trigger.Trigger{b, c, a}) {
			t.Fatalf("next-run order %v", ids(got))
		}

		crit.Limit = 2
		got, _ = s.Select(ctx, crit)
		if len(got) != 2 || got[0].ID != b.ID {
			t.Fatalf("limit not applied: %v", ids(got))
		}

		imm := trigger.Immediate{}.Criteria(typ, base)
		got, _ = s.Select(ctx, imm)
		if len(got) != 4 || got[len(got)-1].ID != c.ID {
			t.Fatalf("created order %v", ids(got))
		}
	})
}

func TestBulkTransitionAndDeletes(t *testing.T) {
	each(t, func(t *testing.T, s Store, typ string) {
		ctx := context.Background()
		now := base.Add(time.Hour)

		stuck := trigger.New(typ, nil, base)
		stuck.Status = trigger.StatusProcessing
		mustInsert(t, s, stuck)
		fresh := trigger.New(typ, nil, now)
		fresh.Status = trigger.StatusReady
		mustInsert(t, s, fresh)
		done := trigger.New(typ, nil, base)
		done.Status = trigger.StatusSuccess
		mustInsert(t, s, done)

		n, err := s.BulkTransition(ctx, trigger.Criteria{
			Type:           typ,
			Statuses:       []trigger.Status{trigger.StatusReady, trigger.StatusProcessing, trigger.StatusCancelling},
			ModifiedBefore: now.Add(-time.Minute),
		}, trigger.StatusIdle, now)
		if err != nil || n != 1 {
			t.Fatalf("bulk n=%d err=%v", n, err)
		}
		got, _ := s.Get(ctx, stuck.ID)
		if got.Status != trigger.StatusIdle || got.Version != 1 || !got.ModifiedAt.Equal(now) {
			t.Fatalf("recovered row %+v", got)
		}

		n, err = s.DeleteCreatedBefore(ctx, typ, base)
		if err != nil || n != 2 {
			t.Fatalf("ttl delete n=%d err=%v", n, err)
		}
		if _, err := s.Get(ctx, fresh.ID); err != nil {
			t.Fatalf("fresh row deleted: %v", err)
		}

		if err := s.Delete(ctx, fresh.ID, 9); !errors.Is(err, ErrConflict) {
			t.Fatalf("delete stale version err=%v", err)
		}
		if err := s.Delete(ctx, fresh.ID, 0); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, fresh.ID, 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete twice err=%v", err)
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "triggers.json")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}
	s, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	keep := mustInsert(t, s, trigger.New("echo", nil, base))
	gone := mustInsert(t, s, trigger.New("echo", nil, base))
	keep.Status = trigger.StatusError
	if err := s.Update(ctx, keep); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Delete(ctx, gone.ID, 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Simulate a crash: no Close, so the journal tail must be replayed.
	fs := s.(*fileStore)
	_ = fs.journalFile.Sync()

	s2, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, keep.ID)
	if err != nil || got.Status != trigger.StatusError || got.Version != 1 {
		t.Fatalf("reopened row %+v, %v", got, err)
	}
	if _, err := s2.Get(ctx, gone.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted row came back: %v", err)
	}
}

func TestMemoryStoreClock(t *testing.T) {
	t.Parallel()

	s := NewMemory(WithClock(func() time.Time { return base }))
	tr := mustInsert(t, s, trigger.New("echo", nil, base.Add(-time.Hour)))
	if err := s.Update(context.Background(), tr); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !tr.ModifiedAt.Equal(base) {
		t.Fatalf("modified=%v want %v", tr.ModifiedAt, base)
	}
	_ = s.Close()
	if _, err := s.Get(context.Background(), tr.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("get after close err=%v", err)
	}
}

func ids(ts []*trigger.Trigger) string {
	out := ""
	for _, t := range ts {
		out += t.ID[:8] + ","
	}
	return out
}
