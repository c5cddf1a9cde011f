package metrics

import (
	"context"
	"strings"

	"triggerd/internal/eventbus"
	"triggerd/internal/task/engine"
	"triggerd/internal/trigger"
)

// Bridge feeds bus events into a Sink.
type Bridge struct {
	sink   Sink
	events <-chan eventbus.Event
	unsub  func()
}

// NewBridge subscribes immediately so no event published after it returns is missed.
func NewBridge(bus eventbus.Bus, sink Sink, buffer int) *Bridge {
	if buffer <= 0 {
		buffer = 512
	}
	ch, unsub := bus.Subscribe("", buffer)
	return &Bridge{sink: sink, events: ch, unsub: unsub}
}

// Run consumes events until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	defer b.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev eventbus.Event) {
	switch {
	case strings.HasPrefix(ev.Type, "trigger."):
		d, ok := ev.Data.(trigger.EventData)
		if !ok {
			return
		}
		switch ev.Type {
		case trigger.EventClaimed:
			b.sink.Claimed(d.Type, d.Count)
		case trigger.EventConflict:
			b.sink.Conflicts(d.Type, d.Count)
		case trigger.EventRecovered:
			b.sink.Recovered(d.Type, d.Status, d.Count)
		case trigger.EventExpired:
			b.sink.Expired(d.Type, d.Count)
		case trigger.EventFetchFailed:
			b.sink.FetchFailed(d.Type)
		case trigger.EventFinished, trigger.EventAborted:
			b.sink.Finished(d.Type, d.Status, d.Duration)
		}
	case strings.HasPrefix(ev.Type, "task."):
		d, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		switch ev.Type {
		case "task.finished":
			b.sink.JobFinished(d.Name, false, d.Duration)
		case "task.failed":
			b.sink.JobFinished(d.Name, true, d.Duration)
		case "task.skipped", "task.dropped":
			b.sink.JobSkipped(d.Name)
		}
	}
}
