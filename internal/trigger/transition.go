package trigger

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrorPayload is the Response body stored for a failed UI trigger.
type ErrorPayload struct {
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Failure lets a handler attach a structured payload to its error.
// UI triggers store Detail alongside the message in Response.
type Failure struct {
	Err    error
	Detail any
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "handler failed"
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// WithDetail wraps err with a structured detail payload.
func WithDetail(err error, detail any) error {
	return &Failure{Err: err, Detail: detail}
}

// SetResponse stores v as the success payload of a UI trigger.
// Handlers call it from Process before returning nil.
func (t *Trigger) SetResponse(v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		t.Response = cloneRaw(raw)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.Response = b
	return nil
}

// Succeed applies the success transition for the trigger's kind.
func Succeed(t *Trigger, now time.Time) {
	t.Status = StatusSuccess
	switch t.Kind {
	case KindTime:
		at := now.UTC()
		t.LastRunAt = &at
		t.NextRunAt = nil
		t.Active = false
	case KindUI:
		// Response was set by the handler.
	}
}

// Fail applies the error transition for the trigger's kind. A time-based trigger
// stays active; it is only retried once a producer re-arms it.
func Fail(t *Trigger, cause error, now time.Time) {
	t.Status = StatusError
	switch t.Kind {
	case KindTime:
		at := now.UTC()
		t.LastRunAt = &at
	case KindUI:
		t.Response = errorResponse(cause)
	}
}

// Cancel marks the trigger CANCELLED. A UI trigger keeps any Response already set.
func Cancel(t *Trigger) {
	t.Status = StatusCancelled
}

// Rearm puts a time-based trigger back in the queue for its next run.
func Rearm(t *Trigger, next time.Time) {
	at := next.UTC()
	t.NextRunAt = &at
	t.Active = true
	t.Status = StatusIdle
}

func errorResponse(cause error) json.RawMessage {
	p := ErrorPayload{Error: "unknown error"}
	if cause != nil {
		p.Error = cause.Error()
	}
	var f *Failure
	if errors.As(cause, &f) && f.Detail != nil {
		if b, err := json.Marshal(f.Detail); err == nil {
			p.Detail = b
		}
	}
	b, _ := json.Marshal(p)
	return b
}
