package app

import (
	"strings"
	"time"

	"triggerd/internal/config"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	"triggerd/internal/task/scheduler"
	"triggerd/internal/transport/httpapi"
	"triggerd/internal/trigger/orchestrator"
	logx "triggerd/pkg/logx"
)

// Every map* helper runs on a config Validate accepted, so parse errors
// fall back to the default.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  config.MustDuration(sc.BusyTimeout, 0),
		MaxConns:     sc.MaxConns,
		CompactEvery: sc.CompactEvery,
	}
}

// mapEngine sizes the job engine. Each handler owns two jobs that never
// overlap themselves, so the default pool is small.
func mapEngine(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := te.QueueSize
	if queue <= 0 {
		queue = 64
	}
	history := te.HistorySize
	if history == 0 {
		history = 200
	} else if history < 0 {
		history = 0
	}
	return engine.Config{
		Enabled:        cfg.WorkerEnabled(),
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: config.MustDuration(te.DefaultTimeout, 0),
		MaxQueueDelay:  config.MustDuration(te.MaxQueueDelay, 0),
		HistorySize:    history,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.WorkerEnabled(),
		Timezone: strings.TrimSpace(cfg.Worker.Timezone),
	}
}

func mapOrchestrator(cfg *config.Config) orchestrator.Config {
	w := cfg.Worker
	oc := orchestrator.Config{
		Worker:             cfg.WorkerEnabled(),
		CancelPollInterval: config.MustDuration(w.CancelPollInterval, orchestrator.DefaultCancelPollInterval),
		RecoverCancelling:  strings.ToLower(strings.TrimSpace(w.RecoverCancelling)),
		Parallelism:        w.Parallelism,
	}
	if len(cfg.Handlers) > 0 {
		oc.Overrides = make(map[string]orchestrator.Settings, len(cfg.Handlers))
		for typ, h := range cfg.Handlers {
			oc.Overrides[typ] = orchestrator.Settings{
				Schedule:       strings.TrimSpace(h.Schedule),
				Timezone:       strings.TrimSpace(h.Timezone),
				StuckTimeout:   config.MustDuration(h.StuckTimeout, 0),
				TTL:            config.MustDuration(h.TTL, 0),
				BatchLimit:     h.BatchLimit,
				ProcessTimeout: config.MustDuration(h.ProcessTimeout, 0),
			}
		}
	}
	return oc
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		UserHeader:   strings.TrimSpace(h.UserHeader),
		Debug:        h.Debug,
		Token:        h.Token,
		ReadTimeout:  config.MustDuration(h.ReadTimeout, 10*time.Second),
		WriteTimeout: config.MustDuration(h.WriteTimeout, 30*time.Second),
		IdleTimeout:  config.MustDuration(h.IdleTimeout, 60*time.Second),
	}
}

// drainTimeout bounds how long Stop waits for in-flight triggers.
func drainTimeout(cfg *config.Config) time.Duration {
	return config.MustDuration(cfg.Worker.DrainTimeout, 20*time.Second)
}
