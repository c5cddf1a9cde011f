package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Worker  WorkerConfig  `json:"worker"`

	// TaskEngine controls the executor behind the periodic jobs.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	HTTP    HTTPConfig    `json:"http"`
	Metrics MetricsConfig `json:"metrics"`

	// Handlers override built-in handler settings per trigger type.
	Handlers map[string]HandlerConfig `json:"handlers,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors warnings and errors to stderr as one-line records.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the trigger store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./triggerd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://triggerd@db/triggerd" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // may hold a password; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxConns     int32  `json:"max_conns,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// WorkerConfig decides the process role and the shared runner settings.
//
// Enabled is a pointer so an omitted key defaults to true (active worker).
// The TRIGGERD_WORKER environment variable overrides it.
type WorkerConfig struct {
	Enabled            *bool  `json:"enabled,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	CancelPollInterval string `json:"cancel_poll_interval,omitempty"`
	RecoverCancelling  string `json:"recover_cancelling,omitempty"` // "idle" (default) or "cancel"
	Parallelism        int    `json:"parallelism,omitempty"`
	DrainTimeout       string `json:"drain_timeout,omitempty"`
	Heartbeat          string `json:"heartbeat,omitempty"` // interval of the heartbeat handler; "" disables it
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// HTTPConfig controls the UI trigger API listener.
//
// Security note:
//   - debug endpoints on a non-loopback addr require a token.
type HTTPConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	UserHeader string `json:"user_header,omitempty"`
	Debug      bool   `json:"debug,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token for /debug (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// HandlerConfig overrides one handler's schedule and housekeeping.
type HandlerConfig struct {
	Schedule       string `json:"schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	StuckTimeout   string `json:"stuck_timeout,omitempty"`
	TTL            string `json:"ttl,omitempty"`
	BatchLimit     int    `json:"batch_limit,omitempty"`
	ProcessTimeout string `json:"process_timeout,omitempty"`
}
