package storage

import (
	"strconv"
	"strings"
	"time"

	"triggerd/internal/trigger"
)

const triggerColumns = "id, type, kind, is_active, version, status, created_at, modified_at, payload, next_run_at, last_run_at, user_id, response"

// dialect hides the placeholder and type encoding differences between SQL drivers.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	boolArg     func(b bool) any
}

var (
	sqliteDialect = dialect{
		placeholder: func(int) string { return "?" },
		timeArg:     func(t time.Time) any { return t.UTC().UnixMilli() },
		boolArg: func(b bool) any {
			if b {
				return 1
			}
			return 0
		},
	}
	postgresDialect = dialect{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		timeArg:     func(t time.Time) any { return t.UTC() },
		boolArg:     func(b bool) any { return b },
	}
)

type query struct {
	d    dialect
	sb   strings.Builder
	args []any
}

func newQuery(d dialect) *query { return &query{d: d} }

func (q *query) raw(s string) *query {
	q.sb.WriteString(s)
	return q
}

// arg appends a bound parameter and writes its placeholder.
func (q *query) arg(v any) *query {
	q.args = append(q.args, v)
	q.sb.WriteString(q.d.placeholder(len(q.args)))
	return q
}

func (q *query) timeArg(t time.Time) *query { return q.arg(q.d.timeArg(t)) }

func (q *query) nullTimeArg(t *time.Time) *query {
	if t == nil {
		return q.arg(nil)
	}
	return q.timeArg(*t)
}

func (q *query) String() string { return q.sb.String() }

// where writes the WHERE clause for c. Type is required by every caller.
func (q *query) where(c trigger.Criteria) *query {
	q.raw(" WHERE type = ").arg(c.Type)
	if len(c.Statuses) > 0 {
		q.raw(" AND status IN (")
		for i, s := range c.Statuses {
			if i > 0 {
				q.raw(", ")
			}
			q.arg(string(s))
		}
		q.raw(")")
	}
	if c.ActiveOnly {
		q.raw(" AND is_active = ").arg(q.d.boolArg(true))
	}
	if !c.DueBy.IsZero() {
		q.raw(" AND next_run_at IS NOT NULL AND next_run_at <= ").timeArg(c.DueBy)
	}
	if !c.ModifiedBefore.IsZero() {
		q.raw(" AND modified_at <= ").timeArg(c.ModifiedBefore)
	}
	if c.UserID != "" {
		q.raw(" AND user_id = ").arg(c.UserID)
	}
	return q
}

func selectQuery(d dialect, c trigger.Criteria) *query {
	q := newQuery(d).raw("SELECT " + triggerColumns + " FROM triggers").where(c)
	if c.Order == trigger.OrderNextRunAt {
		q.raw(" ORDER BY next_run_at ASC, created_at ASC, id ASC")
	} else {
		q.raw(" ORDER BY created_at ASC, id ASC")
	}
	if c.Limit > 0 {
		q.raw(" LIMIT ").arg(c.Limit)
	}
	return q
}

func insertQuery(d dialect, t *trigger.Trigger) *query {
	q := newQuery(d).raw("INSERT INTO triggers (" + triggerColumns + ") VALUES (")
	q.arg(t.ID).raw(", ").arg(t.Type).raw(", ").arg(string(t.Kind)).raw(", ").arg(d.boolArg(t.Active)).raw(", ")
	q.arg(t.Version).raw(", ").arg(string(t.Status)).raw(", ").timeArg(t.CreatedAt).raw(", ").timeArg(t.ModifiedAt).raw(", ")
	q.arg(nullBytes(t.Payload)).raw(", ").nullTimeArg(t.NextRunAt).raw(", ").nullTimeArg(t.LastRunAt).raw(", ")
	q.arg(t.UserID).raw(", ").arg(nullBytes(t.Response)).raw(")")
	return q
}

// updateQuery writes every mutable column, conditioned on the previous version.
func updateQuery(d dialect, t *trigger.Trigger, modified time.Time) *query {
	q := newQuery(d).raw("UPDATE triggers SET is_active = ").arg(d.boolArg(t.Active))
	q.raw(", version = version + 1, status = ").arg(string(t.Status))
	q.raw(", modified_at = ").timeArg(modified)
	q.raw(", payload = ").arg(nullBytes(t.Payload))
	q.raw(", next_run_at = ").nullTimeArg(t.NextRunAt)
	q.raw(", last_run_at = ").nullTimeArg(t.LastRunAt)
	q.raw(", response = ").arg(nullBytes(t.Response))
	q.raw(" WHERE id = ").arg(t.ID).raw(" AND version = ").arg(t.Version)
	return q
}

func claimQuery(d dialect, id string, version int64, now time.Time) *query {
	q := newQuery(d).raw("UPDATE triggers SET status = ").arg(string(trigger.StatusReady))
	q.raw(", modified_at = ").timeArg(now).raw(", version = version + 1")
	q.raw(" WHERE id = ").arg(id).raw(" AND version = ").arg(version).raw(" AND status = ").arg(string(trigger.StatusIdle))
	return q
}

func bulkTransitionQuery(d dialect, c trigger.Criteria, to trigger.Status, now time.Time) *query {
	q := newQuery(d).raw("UPDATE triggers SET status = ").arg(string(to))
	q.raw(", modified_at = ").timeArg(now).raw(", version = version + 1")
	return q.where(trigger.Criteria{Type: c.Type, Statuses: c.Statuses, ModifiedBefore: c.ModifiedBefore})
}

func deleteCreatedBeforeQuery(d dialect, typ string, cutoff time.Time) *query {
	return newQuery(d).raw("DELETE FROM triggers WHERE type = ").arg(typ).raw(" AND created_at <= ").timeArg(cutoff)
}

func deleteQuery(d dialect, id string, version int64) *query {
	return newQuery(d).raw("DELETE FROM triggers WHERE id = ").arg(id).raw(" AND version = ").arg(version)
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
