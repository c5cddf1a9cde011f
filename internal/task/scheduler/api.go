package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

// ErrUnknownSchedule is returned by RunNow for names that were never added.
var ErrUnknownSchedule = errors.New("unknown schedule")

// AddScheduleIn registers a cron or interval job evaluated in timezone tz
// ("" = scheduler default). See ParseSchedule for the accepted forms.
// Cron expressions get a CRON_TZ= prefix; intervals are zone independent.
// Registering an existing name replaces it. With OverlapSkipIfRunning a tick
// is skipped while the previous run is still queued or running.
func (s *Service) AddScheduleIn(name, schedule, tz string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}

	var spec string
	switch ps.Kind {
	case SpecCron:
		spec, err = CronInZone(ps.Cron, tz)
		if err != nil {
			return "", err
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return "", fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	case SpecInterval:
		spec = "@every " + ps.Every.String()
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name so hot reloads and repeated registrations never duplicate.
	_ = s.removeScheduleLocked(name)
	d := scheduleDef{
		id:       fmt.Sprintf("%s:%d", ps.Source, time.Now().UnixNano()),
		name:     name,
		spec:     spec,
		timezone: strings.TrimSpace(tz),
		timeout:  timeout,
		job:      job,
		opt:      opt,
		state:    &engine.RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return name, nil
	}

	added := &s.defs[len(s.defs)-1]
	err = s.addCronLocked(added)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if added.phase > 0 {
		fields = append(fields, logx.Duration("phase", added.phase))
	}
	if next := s.previewNextRunsLocked(added.entryID, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// CronInZone prefixes a cron expression with CRON_TZ=tz after validating the zone.
// An expression that already carries TZ= or CRON_TZ= is returned unchanged.
func CronInZone(expr, tz string) (string, error) {
	expr = strings.TrimSpace(expr)
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr, nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return "CRON_TZ=" + tz + " " + expr, nil
}

// RunNow enqueues a registered schedule's job immediately, outside its timetable.
// The schedule's overlap state still applies.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()

	if def == nil {
		return ErrUnknownSchedule
	}
	err := s.enqueue(def)
	if errors.Is(err, engine.ErrOverlapSkip) {
		return nil
	}
	return err
}

// Remove unschedules all schedules with the given name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		if err := s.enqueue(&def); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	})

	// Interval jobs run on a per-instance phase so workers sharing a store
	// do not claim in lockstep.
	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err == nil && every > 0 {
			d.phase = phaseOffset(s.cfg.Instance, d.name, every)
			d.entryID = s.c.Schedule(phasedSchedule{every: every, offset: d.phase}, job)
			return nil
		}
	}

	d.phase = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for debug logs.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(id cron.EntryID, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 || s.c == nil {
		return ""
	}
	sched := s.c.Entry(id).Schedule
	if sched == nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05 MST"))
	}
	return strings.Join(parts, ", ")
}
