// Package fetcher claims ready triggers of one type for the local worker.
//
// A fetch cycle expires old triggers, resets stuck ones, then claims a batch with
// versioned conditional updates. Losing a claim to another worker is normal and silent.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

const DefaultBatchLimit = 100

// Recovery policies for CANCELLING triggers whose worker disappeared.
const (
	RecoverIdle   = "idle"   // back to IDLE, the trigger runs again
	RecoverCancel = "cancel" // resolve to CANCELLED
)

// Store is the subset of storage.Store the fetcher needs.
type Store interface {
	Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error)
	Claim(ctx context.Context, id string, version int64, now time.Time) (bool, error)
	BulkTransition(ctx context.Context, c trigger.Criteria, to trigger.Status, now time.Time) (int64, error)
	DeleteCreatedBefore(ctx context.Context, typ string, cutoff time.Time) (int64, error)
}

type Config struct {
	Type     string
	Strategy trigger.Strategy
	// BatchLimit caps claims per cycle; 0 means DefaultBatchLimit.
	BatchLimit int
	// StuckTimeout resets READY/PROCESSING/CANCELLING triggers untouched this long. 0 disables.
	StuckTimeout time.Duration
	// TTL deletes triggers created this long ago, in any status. 0 disables.
	TTL time.Duration
	// RecoverCancelling is RecoverIdle (default) or RecoverCancel.
	RecoverCancelling string
}

type Fetcher struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Fetcher)

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Fetcher {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Strategy == nil {
		cfg.Strategy = trigger.Immediate{}
	}
	if cfg.RecoverCancelling != RecoverCancel {
		cfg.RecoverCancelling = RecoverIdle
	}
	f := &Fetcher{
		cfg:   cfg,
		store: store,
		log:   log.With(logx.String("comp", "fetcher"), logx.String("type", cfg.Type)),
		bus:   bus,
		now:   time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) Config() Config { return f.cfg }

// FetchReady runs one fetch cycle and returns the triggers this worker now owns (READY).
// Any store failure is logged and yields an empty batch; abandoned claims are
// picked up later by stuck recovery.
func (f *Fetcher) FetchReady(ctx context.Context) []*trigger.Trigger {
	now := f.now().UTC()

	if err := f.expire(ctx, now); err != nil {
		f.fail("expire", err)
		return nil
	}
	if err := f.recoverStuck(ctx, now); err != nil {
		f.fail("recover", err)
		return nil
	}
	batch, err := f.claim(ctx, now)
	if err != nil {
		f.fail("claim", err)
		return nil
	}
	return batch
}

// FetchCancelling returns triggers of the type with a pending cancellation request.
func (f *Fetcher) FetchCancelling(ctx context.Context) []*trigger.Trigger {
	out, err := f.store.Select(ctx, trigger.Criteria{
		Type:     f.cfg.Type,
		Statuses: []trigger.Status{trigger.StatusCancelling},
	})
	if err != nil {
		f.fail("cancelling", err)
		return nil
	}
	return out
}

func (f *Fetcher) expire(ctx context.Context, now time.Time) error {
	if f.cfg.TTL <= 0 {
		return nil
	}
	n, err := f.store.DeleteCreatedBefore(ctx, f.cfg.Type, now.Add(-f.cfg.TTL))
	if err != nil {
		return err
	}
	if n > 0 {
		f.log.Info("expired triggers deleted", logx.Int64("count", n), logx.Duration("ttl", f.cfg.TTL))
		f.publish(trigger.EventExpired, trigger.EventData{Type: f.cfg.Type, Count: n})
	}
	return nil
}

func (f *Fetcher) recoverStuck(ctx context.Context, now time.Time) error {
	if f.cfg.StuckTimeout <= 0 {
		return nil
	}
	cutoff := now.Add(-f.cfg.StuckTimeout)
	statuses := []trigger.Status{trigger.StatusReady, trigger.StatusProcessing, trigger.StatusCancelling}

	if f.cfg.RecoverCancelling == RecoverCancel {
		statuses = statuses[:2]
		n, err := f.store.BulkTransition(ctx, trigger.Criteria{
			Type:           f.cfg.Type,
			Statuses:       []trigger.Status{trigger.StatusCancelling},
			ModifiedBefore: cutoff,
		}, trigger.StatusCancelled, now)
		if err != nil {
			return err
		}
		if n > 0 {
			f.log.Warn("abandoned cancellations resolved", logx.Int64("count", n))
			f.publish(trigger.EventRecovered, trigger.EventData{Type: f.cfg.Type, Status: trigger.StatusCancelled, Count: n})
		}
	}

	n, err := f.store.BulkTransition(ctx, trigger.Criteria{
		Type:           f.cfg.Type,
		Statuses:       statuses,
		ModifiedBefore: cutoff,
	}, trigger.StatusIdle, now)
	if err != nil {
		return err
	}
	if n > 0 {
		f.log.Warn("stuck triggers reset", logx.Int64("count", n), logx.Duration("timeout", f.cfg.StuckTimeout))
		f.publish(trigger.EventRecovered, trigger.EventData{Type: f.cfg.Type, Status: trigger.StatusIdle, Count: n})
	}
	return nil
}

// claim selects candidates in strategy order and claims them one by one.
// It stops at the batch limit, when a select returns fewer rows than asked
// (nothing more is ready), or after 3x the limit in claim attempts.
func (f *Fetcher) claim(ctx context.Context, now time.Time) ([]*trigger.Trigger, error) {
	limit := f.cfg.BatchLimit
	maxAttempts := 3 * limit
	claimed := make([]*trigger.Trigger, 0)
	attempts := 0
	var lost int64

	for len(claimed) < limit && attempts < maxAttempts {
		want := limit - len(claimed)
		c := f.cfg.Strategy.Criteria(f.cfg.Type, now)
		c.Limit = want

		cands, err := f.store.Select(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("select candidates: %w", err)
		}
		for _, t := range cands {
			if attempts >= maxAttempts {
				break
			}
			attempts++
			ok, err := f.store.Claim(ctx, t.ID, t.Version, now)
			if err != nil {
				return nil, fmt.Errorf("claim %s: %w", t.ID, err)
			}
			if !ok {
				lost++
				continue
			}
			t.Status = trigger.StatusReady
			t.Version++
			t.ModifiedAt = now
			claimed = append(claimed, t)
		}
		if len(cands) < want {
			break
		}
	}

	if lost > 0 {
		f.log.Debug("claims lost to other workers", logx.Int64("lost", lost))
		f.publish(trigger.EventConflict, trigger.EventData{Type: f.cfg.Type, Count: lost})
	}
	if len(claimed) > 0 {
		f.log.Debug("triggers claimed", logx.Int("count", len(claimed)), logx.Int("attempts", attempts))
		f.publish(trigger.EventClaimed, trigger.EventData{Type: f.cfg.Type, Count: int64(len(claimed))})
	}
	return claimed, nil
}

func (f *Fetcher) fail(phase string, err error) {
	f.log.Error("fetch failed", logx.String("phase", phase), logx.Err(err))
	f.publish(trigger.EventFetchFailed, trigger.EventData{Type: f.cfg.Type, Error: err.Error()})
}

func (f *Fetcher) publish(typ string, data trigger.EventData) {
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: typ, Time: f.now(), Data: data})
	}
}
