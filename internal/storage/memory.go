package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"triggerd/internal/trigger"
)

// journal receives every committed change of a memory store, under its lock.
type journal interface {
	put(t *trigger.Trigger)
	del(id string)
}

// MemoryStore keeps triggers in a map. A single mutex makes each operation atomic,
// which is all the conditional-write contract needs.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*trigger.Trigger
	now    func() time.Time
	jr     journal
	closed bool
}

type MemoryOption func(*MemoryStore)

// WithClock sets the time source used to stamp ModifiedAt on Update.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{rows: map[string]*trigger.Trigger{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, t *trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.rows[t.ID]; ok {
		return ErrDuplicate
	}
	s.putLocked(t.Clone())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.rows[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrConflict
	}
	t.Version++
	t.ModifiedAt = s.now().UTC()
	next := t.Clone()
	next.CreatedAt = cur.CreatedAt
	s.putLocked(next)
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cur, ok := s.rows[id]
	if !ok || cur.Version != version || cur.Status != trigger.StatusIdle {
		return false, nil
	}
	next := cur.Clone()
	next.Status = trigger.StatusReady
	next.Version++
	next.ModifiedAt = now.UTC()
	s.putLocked(next)
	return true, nil
}

func (s *MemoryStore) Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*trigger.Trigger, 0)
	for _, t := range s.rows {
		if c.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return c.Less(out[i], out[j]) })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (s *MemoryStore) BulkTransition(ctx context.Context, c trigger.Criteria, to trigger.Status, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, t := range s.rows {
		if !c.Match(t) {
			continue
		}
		next := t.Clone()
		next.Status = to
		next.Version++
		next.ModifiedAt = now.UTC()
		s.putLocked(next)
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteCreatedBefore(ctx context.Context, typ string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for id, t := range s.rows {
		if t.Type == typ && !t.CreatedAt.After(cutoff) {
			s.delLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != version {
		return ErrConflict
	}
	s.delLocked(id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored triggers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *MemoryStore) putLocked(t *trigger.Trigger) {
	s.rows[t.ID] = t
	if s.jr != nil {
		s.jr.put(t)
	}
}

func (s *MemoryStore) delLocked(id string) {
	delete(s.rows, id)
	if s.jr != nil {
		s.jr.del(id)
	}
}
