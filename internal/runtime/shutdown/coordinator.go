// Package shutdown tracks in-flight work so a stopping process can refuse new work
// and wait, bounded, for what is already running.
package shutdown

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Token identifies one registered unit of work.
type Token uint64

type entry struct {
	tok   Token
	label string
	since time.Time
}

// Coordinator is safe for concurrent use. The zero value is not usable; call New.
type Coordinator struct {
	shutting atomic.Bool
	seq      atomic.Uint64

	mu      sync.Mutex
	active  map[Token]entry
	changed chan struct{} // closed and replaced whenever active shrinks
}

func New() *Coordinator {
	return &Coordinator{active: map[Token]entry{}, changed: make(chan struct{})}
}

// Begin flips the process into shutdown. It is idempotent.
func (c *Coordinator) Begin() { c.shutting.Store(true) }

func (c *Coordinator) ShuttingDown() bool { return c.shutting.Load() }

// Register records work labelled label and returns its token.
// Registration is accepted during shutdown too; callers check ShuttingDown first.
func (c *Coordinator) Register(label string) Token {
	tok := Token(c.seq.Add(1))
	c.mu.Lock()
	c.active[tok] = entry{tok: tok, label: label, since: time.Now()}
	c.mu.Unlock()
	return tok
}

// Unregister releases tok. It reports false if tok was not registered,
// so a second call for the same token is harmless.
func (c *Coordinator) Unregister(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[tok]; !ok {
		return false
	}
	delete(c.active, tok)
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

// Active returns the labels of registered work in registration order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	entries := make([]entry, 0, len(c.active))
	for _, e := range c.active {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].tok < entries[j].tok })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.label
	}
	return out
}

// Count returns the number of registered units.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Wait blocks until nothing is registered or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		n := len(c.active)
		ch := c.changed
		c.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// OldestAge returns how long the oldest registered unit has been running (0 if none).
func (c *Coordinator) OldestAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	for _, e := range c.active {
		if oldest.IsZero() || e.since.Before(oldest) {
			oldest = e.since
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}
