package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// SpecKind tells cron expressions from fixed intervals.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// MinInterval is the cron clock resolution; shorter intervals are raised to it.
const MinInterval = time.Second

// ParsedSpec is a normalized handler or job schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */10 * * * *" (seconds field optional), "@hourly",
//     "@every 30s", zoned "CRON_TZ=Asia/Jakarta 0 3 * * *"
//   - interval: a Go duration such as "10s" or "2m30s"
//
// "cron:" and "every:" force one reading.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	// Source is "cron" or "interval"; it prefixes schedule ids in snapshots.
	Source string
}

// ParseSchedule validates the shape of raw. Cron fields are checked later by
// the cron parser, once the timezone is known.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}

	ps, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (want cron like '*/5 * * * *' or duration like '10s')", raw)
	}
	return ps, nil
}

func cronSpec(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron expression required")
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: max(d, MinInterval), Source: "interval"}, nil
}
