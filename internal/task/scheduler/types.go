package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"triggerd/internal/eventbus"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // default IANA TZ for schedules that do not name one
	// Instance keys interval phases; defaults to host/pid.
	Instance string
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const NoTimeout = engine.NoTimeout

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec (possibly CRON_TZ= prefixed) or @every
	timezone      string
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	phase         time.Duration
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu  sync.Mutex
	missed map[string]*missedTicks
}

type ScheduleInfo struct {
	ID       string
	Name     string
	Spec     string
	Timezone string
	Timeout  time.Duration
	Phase    time.Duration
	Busy     bool
	Next     time.Time
	Prev     time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string

	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Skipped          uint64
	Schedules        []ScheduleInfo
	History          []HistoryItem
}
