package scheduler

import (
	"time"

	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// missedTicks tracks refused ticks of one schedule between warnings.
type missedTicks struct {
	lastWarn   time.Time
	suppressed int
}

// reportEnqueueError logs a tick the engine refused. Overlap skips mean the
// previous batch is still claiming or running, and shutdown refusals are
// expected, so both stay at debug. Anything else warns at most once per
// throttle window per schedule, carrying the number of ticks lost since.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	reason := engine.Refusal(err)
	switch reason {
	case "overlap_skip", "stopping":
		s.log.Debug("schedule tick not enqueued",
			logx.String("schedule", name), logx.String("reason", reason), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.missed == nil {
		s.missed = make(map[string]*missedTicks)
	}
	m := s.missed[name]
	if m == nil {
		m = &missedTicks{}
		s.missed[name] = m
	}
	if !m.lastWarn.IsZero() && now.Sub(m.lastWarn) < enqueueWarnThrottle {
		m.suppressed++
		s.enqMu.Unlock()
		return
	}
	lost := m.suppressed + 1
	m.lastWarn = now
	m.suppressed = 0
	s.enqMu.Unlock()

	fields := []logx.Field{
		logx.String("schedule", name),
		logx.Int("ticks_lost", lost),
		logx.Err(err),
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	if s.engine != nil {
		snap := s.engine.Snapshot()
		fields = append(fields, logx.Int("queue_len", snap.QueueLen), logx.Int("queue_cap", snap.QueueCap))
	}
	s.log.Warn("schedule tick dropped; triggers wait for the next tick", fields...)
}
