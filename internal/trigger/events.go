package trigger

import "time"

// Event types published on the event bus.
const (
	EventClaimed     = "trigger.claimed"
	EventConflict    = "trigger.conflict"
	EventRecovered   = "trigger.recovered"
	EventExpired     = "trigger.expired"
	EventFinished    = "trigger.finished"
	EventAborted     = "trigger.aborted"
	EventFetchFailed = "trigger.fetch_failed"
)

// EventData is the payload of every trigger.* event.
// Count is used by bulk events (claimed, recovered, expired); ID/Status by per-trigger ones.
type EventData struct {
	Type     string        `json:"type"`
	ID       string        `json:"id,omitempty"`
	Status   Status        `json:"status,omitempty"`
	Count    int64         `json:"count,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
