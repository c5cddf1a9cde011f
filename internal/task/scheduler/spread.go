package scheduler

import (
	"fmt"
	"hash/fnv"
	"os"
	"time"
)

const maxPhase = 30 * time.Second

// phasedSchedule fires on a fixed grid: every multiple of every, shifted by
// offset from the Unix epoch. Restarts keep the same grid, so a process that
// comes back does not immediately re-run a batch it just ran.
type phasedSchedule struct {
	every  time.Duration
	offset time.Duration
}

func (s phasedSchedule) Next(t time.Time) time.Time {
	n := t.UnixNano() - int64(s.offset)
	k := n/int64(s.every) + 1
	return time.Unix(0, k*int64(s.every)+int64(s.offset)).In(t.Location())
}

// phaseOffset places a job on its instance's slot. Workers sharing one store
// and one schedule land on different offsets, which spreads their claim
// queries instead of racing on the same rows each tick.
func phaseOffset(instance, name string, every time.Duration) time.Duration {
	window := min(every, maxPhase)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(instance))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window))
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
