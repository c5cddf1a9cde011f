package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"triggerd/internal/trigger"
	"triggerd/internal/trigger/orchestrator"
	logx "triggerd/pkg/logx"
)

const EchoType = "echo"

// EchoRequest is the optional payload of an echo trigger.
type EchoRequest struct {
	Message string `json:"message"`
	Delay   string `json:"delay,omitempty"` // Go duration, honours cancellation
	Fail    string `json:"fail,omitempty"`  // fail with this message instead of answering
}

type EchoResponse struct {
	Message  string    `json:"message"`
	Finished time.Time `json:"finished"`
}

type Echo struct {
	settings orchestrator.Settings
	log      logx.Logger
}

func NewEcho(log logx.Logger) *Echo {
	return &Echo{
		settings: orchestrator.Settings{
			Kind:         trigger.KindUI,
			Schedule:     "2s",
			StuckTimeout: 5 * time.Minute,
			TTL:          24 * time.Hour,
		},
		log: log.With(logx.String("handler", EchoType)),
	}
}

func (h *Echo) Type() string                    { return EchoType }
func (h *Echo) Settings() orchestrator.Settings { return h.settings }

func (h *Echo) Process(ctx context.Context, t *trigger.Trigger) error {
	var req EchoRequest
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			return trigger.WithDetail(errors.New("invalid payload"), map[string]string{"decode": err.Error()})
		}
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", req.Delay, err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if req.Fail != "" {
		return trigger.WithDetail(errors.New(req.Fail), req)
	}
	h.log.Debug("echo", logx.String("id", t.ID), logx.String("user", t.UserID))
	return t.SetResponse(EchoResponse{Message: req.Message, Finished: time.Now().UTC()})
}
