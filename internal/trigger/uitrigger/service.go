// Package uitrigger is the user-facing side of UI triggers: create one, poll its
// status, collect the result once, or ask for it to be aborted.
//
// Every lookup is scoped by user; a trigger owned by someone else is reported
// as not found.
package uitrigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

var (
	ErrNotFound      = errors.New("trigger not found")
	ErrNotReady      = errors.New("trigger result not ready")
	ErrAbortRejected = errors.New("trigger can no longer be aborted")
	ErrUnknownType   = errors.New("unknown ui trigger type")
)

// conflictRetries bounds read-modify-write retries against a concurrently updated row.
const conflictRetries = 3

var cancelledPayload = json.RawMessage(`{"error":"cancelled"}`)

type Store interface {
	Insert(ctx context.Context, t *trigger.Trigger) error
	Get(ctx context.Context, id string) (*trigger.Trigger, error)
	Update(ctx context.Context, t *trigger.Trigger) error
	Delete(ctx context.Context, id string, version int64) error
}

// Kinds resolves registered handler types; the orchestrator implements it.
type Kinds interface {
	Kind(typ string) (trigger.Kind, bool)
}

// AbortOutcome tells what an accepted abort request did.
type AbortOutcome string

const (
	AbortDeleted    AbortOutcome = "deleted"
	AbortCancelling AbortOutcome = "cancelling"
)

type StatusView struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     trigger.Status `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Result is the outcome of a finished trigger. Payload is the handler response
// for SUCCESS, the error payload for ERROR and CANCELLED.
type Result struct {
	Status  trigger.Status  `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Service struct {
	store Store
	kinds Kinds
	log   logx.Logger
	now   func() time.Time
}

// New returns a Service. kinds may be nil, in which case Create accepts any type.
func New(store Store, kinds Kinds, log logx.Logger) *Service {
	return &Service{store: store, kinds: kinds, log: log.With(logx.String("comp", "uitrigger")), now: time.Now}
}

func (s *Service) Create(ctx context.Context, typ, userID string, payload json.RawMessage) (StatusView, error) {
	if s.kinds != nil {
		if k, ok := s.kinds.Kind(typ); !ok || k != trigger.KindUI {
			return StatusView{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
		}
	}
	if userID == "" {
		return StatusView{}, errors.New("user id required")
	}
	t := trigger.NewUI(typ, userID, payload, s.now())
	if err := s.store.Insert(ctx, t); err != nil {
		return StatusView{}, fmt.Errorf("insert trigger: %w", err)
	}
	s.log.Debug("trigger created", logx.String("id", t.ID), logx.String("type", typ), logx.String("user", userID))
	return view(t), nil
}

func (s *Service) Status(ctx context.Context, id, userID string) (StatusView, error) {
	t, err := s.lookup(ctx, id, userID)
	if err != nil {
		return StatusView{}, err
	}
	return view(t), nil
}

// Result returns the outcome of a finished trigger and deletes it, so a result
// can be collected once. Unfinished triggers yield ErrNotReady.
func (s *Service) Result(ctx context.Context, id, userID string) (Result, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.lookup(ctx, id, userID)
		if err != nil {
			return Result{}, err
		}
		if !t.Status.Terminal() {
			return Result{Status: t.Status}, ErrNotReady
		}

		res := Result{Status: t.Status, Payload: t.Response}
		if t.Status == trigger.StatusCancelled && len(res.Payload) == 0 {
			res.Payload = cancelledPayload
		}
		err = s.store.Delete(ctx, t.ID, t.Version)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, storage.ErrNotFound):
			return Result{}, ErrNotFound
		case errors.Is(err, storage.ErrConflict) && attempt < conflictRetries:
			continue
		default:
			return Result{}, fmt.Errorf("consume result: %w", err)
		}
	}
}

// RequestAbort deletes a trigger that has not started or already succeeded,
// and asks running ones to cancel. Failed and cancelled triggers are rejected;
// collect them with Result instead.
func (s *Service) RequestAbort(ctx context.Context, id, userID string) (AbortOutcome, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.lookup(ctx, id, userID)
		if err != nil {
			return "", err
		}

		var out AbortOutcome
		switch t.Status {
		case trigger.StatusIdle, trigger.StatusSuccess:
			out = AbortDeleted
			err = s.store.Delete(ctx, t.ID, t.Version)
		case trigger.StatusReady, trigger.StatusProcessing:
			out = AbortCancelling
			t.Status = trigger.StatusCancelling
			err = s.store.Update(ctx, t)
		default:
			return "", fmt.Errorf("%w: status %s", ErrAbortRejected, t.Status)
		}

		switch {
		case err == nil:
			s.log.Info("abort requested", logx.String("id", id), logx.String("user", userID), logx.String("outcome", string(out)))
			return out, nil
		case errors.Is(err, storage.ErrNotFound):
			return "", ErrNotFound
		case errors.Is(err, storage.ErrConflict) && attempt < conflictRetries:
			continue
		default:
			return "", fmt.Errorf("abort trigger: %w", err)
		}
	}
}

func (s *Service) lookup(ctx context.Context, id, userID string) (*trigger.Trigger, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	if t.Kind != trigger.KindUI || t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

func view(t *trigger.Trigger) StatusView {
	return StatusView{ID: t.ID, Type: t.Type, Status: t.Status, CreatedAt: t.CreatedAt, ModifiedAt: t.ModifiedAt}
}
