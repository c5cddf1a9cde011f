package engine

import "errors"

// Enqueue refusals. A refused tick is not retried; the next schedule tick
// claims whatever the missed one would have.
var (
	ErrDisabled    = errors.New("task engine disabled on this process")
	ErrStopped     = errors.New("task engine not running")
	ErrStopping    = errors.New("task engine draining for shutdown")
	ErrQueueFull   = errors.New("task queue full, tick dropped")
	ErrOverlapSkip = errors.New("previous run still in progress, tick skipped")
)

// Refusal names an Enqueue error for events and log fields; "" for errors the
// engine did not produce.
func Refusal(err error) string {
	switch {
	case errors.Is(err, ErrOverlapSkip):
		return "overlap_skip"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrStopping), errors.Is(err, ErrStopped):
		return "stopping"
	case errors.Is(err, ErrDisabled):
		return "disabled"
	}
	return ""
}
