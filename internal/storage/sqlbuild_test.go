package storage

import (
	"testing"
	"time"

	"triggerd/internal/trigger"
)

func TestSelectQueryPostgres(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := trigger.TimeBased{}.Criteria("reminder", now)
	c.Limit = 7
	q := selectQuery(postgresDialect, c)

	want := "SELECT " + triggerColumns + " FROM triggers WHERE type = $1 AND status IN ($2) AND is_active = $3" +
		" AND next_run_at IS NOT NULL AND next_run_at <= $4 ORDER BY next_run_at ASC, created_at ASC, id ASC LIMIT $5"
	if q.String() != want {
		t.Fatalf("query:\n got %s\nwant %s", q.String(), want)
	}
	if len(q.args) != 5 || q.args[0] != "reminder" || q.args[2] != true || q.args[4] != 7 {
		t.Fatalf("args %#v", q.args)
	}
}

func TestBulkTransitionQuerySQLite(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	c := trigger.Criteria{
		Type:           "echo",
		Statuses:       []trigger.Status{trigger.StatusReady, trigger.StatusProcessing},
		ModifiedBefore: now.Add(-time.Minute),
		ActiveOnly:     true, // ignored: recovery is not limited to active rows
	}
	q := bulkTransitionQuery(sqliteDialect, c, trigger.StatusIdle, now)

	want := "UPDATE triggers SET status = ?, modified_at = ?, version = version + 1 WHERE type = ? AND status IN (?, ?) AND modified_at <= ?"
	if q.String() != want {
		t.Fatalf("query:\n got %s\nwant %s", q.String(), want)
	}
	if q.args[1] != now.UnixMilli() || q.args[5] != now.Add(-time.Minute).UnixMilli() {
		t.Fatalf("times not encoded as unix millis: %#v", q.args)
	}
}
