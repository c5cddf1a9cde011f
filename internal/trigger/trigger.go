package trigger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusIdle, StatusReady, StatusProcessing, StatusSuccess, StatusError, StatusCancelling, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusReady, StatusProcessing, StatusSuccess, StatusError, StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no worker will touch the trigger again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// ParseStatus accepts any letter case.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Kind selects the variant fields and transition rules of a trigger.
type Kind string

const (
	KindPlain Kind = "plain"
	KindTime  Kind = "time"
	KindUI    Kind = "ui"
)

func (k Kind) Valid() bool {
	return k == KindPlain || k == KindTime || k == KindUI
}

// Trigger is one persisted unit of work.
//
// NextRunAt/LastRunAt are used by time-based triggers only; UserID/Response by UI triggers.
type Trigger struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Kind       Kind            `json:"kind"`
	Active     bool            `json:"active"`
	Version    int64           `json:"version"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	UserID   string          `json:"user_id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// New returns an active IDLE plain trigger of the given type.
func New(typ string, payload json.RawMessage, now time.Time) *Trigger {
	now = now.UTC()
	return &Trigger{
		ID:         uuid.NewString(),
		Type:       typ,
		Kind:       KindPlain,
		Active:     true,
		Status:     StatusIdle,
		CreatedAt:  now,
		ModifiedAt: now,
		Payload:    payload,
	}
}

// NewTimeBased returns a trigger that becomes claimable once nextRun has passed.
func NewTimeBased(typ string, payload json.RawMessage, nextRun, now time.Time) *Trigger {
	t := New(typ, payload, now)
	t.Kind = KindTime
	next := nextRun.UTC()
	t.NextRunAt = &next
	return t
}

// NewUI returns a trigger owned by userID whose outcome is fetched through the UI service.
func NewUI(typ, userID string, payload json.RawMessage, now time.Time) *Trigger {
	t := New(typ, payload, now)
	t.Kind = KindUI
	t.UserID = userID
	return t
}

// Clone returns a deep copy; stores hand out clones so callers never alias stored rows.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.Response = cloneRaw(t.Response)
	c.NextRunAt = cloneTime(t.NextRunAt)
	c.LastRunAt = cloneTime(t.LastRunAt)
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
