package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"triggerd/internal/task/scheduler"
)

// EnvWorker overrides worker.enabled when set to a boolean.
const EnvWorker = "TRIGGERD_WORKER"

// WorkerEnabled reports the effective process role (default: active worker).
func (c *Config) WorkerEnabled() bool {
	if c == nil || c.Worker.Enabled == nil {
		return true
	}
	return *c.Worker.Enabled
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if raw, ok := lookup(EnvWorker); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorker, err)
		}
		cfg.Worker.Enabled = &v
	}
	return nil
}

// Validate checks everything that can be checked without opening resources.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	zone := func(path, tz string) {
		if tz = strings.TrimSpace(tz); tz == "" {
			return
		}
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("%s: unknown timezone %q", path, tz))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none", "file", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	zone("worker.timezone", cfg.Worker.Timezone)
	check("worker.cancel_poll_interval", cfg.Worker.CancelPollInterval)
	check("worker.drain_timeout", cfg.Worker.DrainTimeout)
	check("worker.heartbeat", cfg.Worker.Heartbeat)
	switch strings.ToLower(strings.TrimSpace(cfg.Worker.RecoverCancelling)) {
	case "", "idle", "cancel":
	default:
		errs = append(errs, fmt.Errorf("worker.recover_cancelling: want idle or cancel, got %q", cfg.Worker.RecoverCancelling))
	}
	if cfg.Worker.Parallelism < 0 {
		errs = append(errs, errors.New("worker.parallelism: must be >= 0"))
	}

	check("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	check("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)

	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	check("http.idle_timeout", cfg.HTTP.IdleTimeout)

	for typ, h := range cfg.Handlers {
		p := "handlers." + typ
		zone(p+".timezone", h.Timezone)
		check(p+".stuck_timeout", h.StuckTimeout)
		check(p+".ttl", h.TTL)
		check(p+".process_timeout", h.ProcessTimeout)
		if strings.TrimSpace(h.Schedule) != "" {
			if _, err := scheduler.ParseSchedule(h.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("%s.schedule: %w", p, err))
			}
		}
		if h.BatchLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.batch_limit: must be >= 0", p))
		}
	}
	return errors.Join(errs...)
}

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv
