package trigger

import "time"

// Order is the claim order a strategy requests from the store.
type Order int

const (
	OrderCreatedAt Order = iota
	OrderNextRunAt
)

// Criteria describes a select over triggers of one type.
// Zero-valued fields do not filter.
type Criteria struct {
	Type       string
	Statuses   []Status
	ActiveOnly bool
	// DueBy keeps triggers with NextRunAt <= DueBy.
	DueBy time.Time
	// ModifiedBefore keeps triggers with ModifiedAt <= ModifiedBefore.
	ModifiedBefore time.Time
	UserID         string
	Order          Order
	Limit          int
}

// Match evaluates the criteria in memory. SQL stores translate the same fields into a WHERE clause.
func (c Criteria) Match(t *Trigger) bool {
	if c.Type != "" && t.Type != c.Type {
		return false
	}
	if len(c.Statuses) > 0 && !hasStatus(c.Statuses, t.Status) {
		return false
	}
	if c.ActiveOnly && !t.Active {
		return false
	}
	if !c.DueBy.IsZero() && (t.NextRunAt == nil || t.NextRunAt.After(c.DueBy)) {
		return false
	}
	if !c.ModifiedBefore.IsZero() && t.ModifiedAt.After(c.ModifiedBefore) {
		return false
	}
	if c.UserID != "" && t.UserID != c.UserID {
		return false
	}
	return true
}

// Less orders a before b; ties break on ID so results are stable.
func (c Criteria) Less(a, b *Trigger) bool {
	if c.Order == OrderNextRunAt {
		an, bn := a.NextRunAt, b.NextRunAt
		switch {
		case an == nil && bn != nil:
			return false
		case an != nil && bn == nil:
			return true
		case an != nil && bn != nil && !an.Equal(*bn):
			return an.Before(*bn)
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Strategy decides which triggers of a type are ready to run.
type Strategy interface {
	Name() string
	Criteria(typ string, now time.Time) Criteria
}

// Immediate makes every active IDLE trigger ready, oldest first.
type Immediate struct{}

func (Immediate) Name() string { return "immediate" }

func (Immediate) Criteria(typ string, _ time.Time) Criteria {
	return Criteria{Type: typ, Statuses: []Status{StatusIdle}, ActiveOnly: true, Order: OrderCreatedAt}
}

// TimeBased makes active IDLE triggers ready once NextRunAt has passed, earliest first.
type TimeBased struct{}

func (TimeBased) Name() string { return "time" }

func (TimeBased) Criteria(typ string, now time.Time) Criteria {
	return Criteria{Type: typ, Statuses: []Status{StatusIdle}, ActiveOnly: true, DueBy: now, Order: OrderNextRunAt}
}

// StrategyFor picks the readiness rule for a trigger kind.
func StrategyFor(k Kind) Strategy {
	if k == KindTime {
		return TimeBased{}
	}
	return Immediate{}
}
