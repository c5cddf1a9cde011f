package config

import (
	"reflect"
	"sort"
	"strings"

	logx "triggerd/pkg/logx"
)

// Sections that take effect without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeChange lists the changed top-level sections and safe attrs for
// logging them. Secrets (storage.dsn, http.token) are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.WorkerEnabled()),
			logx.String("worker.timezone", newCfg.Worker.Timezone),
			logx.Int("worker.parallelism", newCfg.Worker.Parallelism),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.debug", newCfg.HTTP.Debug),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if types := changedHandlers(oldCfg.Handlers, newCfg.Handlers); len(types) > 0 {
		changed = append(changed, "handlers")
		attrs = append(attrs, logx.String("handlers.changed", strings.Join(types, ",")))
	}
	return changed, attrs
}

// RestartRequired filters sections that only apply on the next start.
func RestartRequired(sections []string) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func changedHandlers(a, b map[string]HandlerConfig) []string {
	seen := map[string]bool{}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			seen[k] = true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
