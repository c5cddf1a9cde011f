package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"triggerd/internal/trigger"
	"triggerd/internal/trigger/orchestrator"
	logx "triggerd/pkg/logx"
)

const HeartbeatType = "heartbeat"

// HeartbeatStore is what the heartbeat needs to re-arm itself.
type HeartbeatStore interface {
	Insert(ctx context.Context, t *trigger.Trigger) error
	Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error)
}

type heartbeatPayload struct {
	Seq int64 `json:"seq"`
}

// Heartbeat is a recurring time-based trigger: each run inserts the next one
// Every later, so exactly one pending heartbeat exists per cluster at steady state.
type Heartbeat struct {
	Every    time.Duration
	store    HeartbeatStore
	settings orchestrator.Settings
	log      logx.Logger
	now      func() time.Time
}

func NewHeartbeat(every time.Duration, store HeartbeatStore, log logx.Logger) *Heartbeat {
	if every <= 0 {
		every = time.Minute
	}
	return &Heartbeat{
		Every: every,
		store: store,
		settings: orchestrator.Settings{
			Kind:         trigger.KindTime,
			Schedule:     "15s",
			StuckTimeout: 10 * time.Minute,
			TTL:          7 * 24 * time.Hour,
		},
		log: log.With(logx.String("handler", HeartbeatType)),
		now: time.Now,
	}
}

func (h *Heartbeat) Type() string                    { return HeartbeatType }
func (h *Heartbeat) Settings() orchestrator.Settings { return h.settings }

func (h *Heartbeat) Process(ctx context.Context, t *trigger.Trigger) error {
	var p heartbeatPayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode heartbeat payload: %w", err)
		}
	}
	lag := time.Duration(0)
	if t.NextRunAt != nil {
		lag = h.now().Sub(*t.NextRunAt)
	}
	h.log.Info("heartbeat", logx.Int64("seq", p.Seq), logx.Duration("lag", lag))

	next := h.now().Add(h.Every)
	if err := h.insert(ctx, p.Seq+1, next); err != nil {
		return fmt.Errorf("re-arm: %w", err)
	}
	return nil
}

// Ensure seeds the first heartbeat when none is pending.
func (h *Heartbeat) Ensure(ctx context.Context) error {
	pending, err := h.store.Select(ctx, trigger.Criteria{
		Type:       HeartbeatType,
		Statuses:   []trigger.Status{trigger.StatusIdle, trigger.StatusReady, trigger.StatusProcessing},
		ActiveOnly: true,
		Limit:      1,
	})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	return h.insert(ctx, 1, h.now())
}

func (h *Heartbeat) insert(ctx context.Context, seq int64, at time.Time) error {
	payload, _ := json.Marshal(heartbeatPayload{Seq: seq})
	return h.store.Insert(ctx, trigger.NewTimeBased(HeartbeatType, payload, at, h.now()))
}
