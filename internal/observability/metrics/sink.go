// Package metrics records trigger and job runner activity.
//
// Components never call a Sink directly: they publish lifecycle events on the
// event bus and Bridge translates those into Sink calls.
package metrics

import (
	"time"

	"triggerd/internal/trigger"
)

// Sink is fire-and-forget: implementations must not block or fail.
type Sink interface {
	Claimed(typ string, n int64)
	Conflicts(typ string, n int64)
	Recovered(typ string, to trigger.Status, n int64)
	Expired(typ string, n int64)
	FetchFailed(typ string)
	Finished(typ string, status trigger.Status, d time.Duration)

	JobFinished(name string, failed bool, d time.Duration)
	JobSkipped(name string)
}

type NoopSink struct{}

func (NoopSink) Claimed(string, int64)                          {}
func (NoopSink) Conflicts(string, int64)                        {}
func (NoopSink) Recovered(string, trigger.Status, int64)        {}
func (NoopSink) Expired(string, int64)                          {}
func (NoopSink) FetchFailed(string)                             {}
func (NoopSink) Finished(string, trigger.Status, time.Duration) {}
func (NoopSink) JobFinished(string, bool, time.Duration)        {}
func (NoopSink) JobSkipped(string)                              {}
