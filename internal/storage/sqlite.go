package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which is what SQLite does anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Insert(ctx context.Context, t *trigger.Trigger) error {
	q := insertQuery(sqliteDialect, t)
	_, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*trigger.Trigger, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE id = ?", id)
	t, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) Update(ctx context.Context, t *trigger.Trigger) error {
	now := time.Now().UTC()
	q := updateQuery(sqliteDialect, t, now)
	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, t.ID)
	}
	t.Version++
	t.ModifiedAt = now.Truncate(time.Millisecond)
	return nil
}

func (s *sqliteStore) Claim(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	q := claimQuery(sqliteDialect, id, version, now)
	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Select(ctx context.Context, c trigger.Criteria) ([]*trigger.Trigger, error) {
	q := selectQuery(sqliteDialect, c)
	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*trigger.Trigger, 0)
	for rows.Next() {
		t, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) BulkTransition(ctx context.Context, c trigger.Criteria, to trigger.Status, now time.Time) (int64, error) {
	return s.exec(ctx, bulkTransitionQuery(sqliteDialect, c, to, now))
}

func (s *sqliteStore) DeleteCreatedBefore(ctx context.Context, typ string, cutoff time.Time) (int64, error) {
	return s.exec(ctx, deleteCreatedBeforeQuery(sqliteDialect, typ, cutoff))
}

func (s *sqliteStore) Delete(ctx context.Context, id string, version int64) error {
	n, err := s.exec(ctx, deleteQuery(sqliteDialect, id, version))
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *sqliteStore) exec(ctx context.Context, q *query) (int64, error) {
	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// missOrConflict tells a lost race apart from a deleted row after a zero-row write.
func (s *sqliteStore) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM triggers WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(r rowScanner) (*trigger.Trigger, error) {
	var (
		t                 trigger.Trigger
		kind, status      string
		active            int64
		created, modified int64
		payload, response []byte
		nextRun, lastRun  sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.Type, &kind, &active, &t.Version, &status, &created, &modified,
		&payload, &nextRun, &lastRun, &t.UserID, &response)
	if err != nil {
		return nil, err
	}
	t.Kind = trigger.Kind(kind)
	t.Status = trigger.Status(status)
	t.Active = active != 0
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.ModifiedAt = time.UnixMilli(modified).UTC()
	t.Payload = rawOrNil(payload)
	t.Response = rawOrNil(response)
	t.NextRunAt = millisPtr(nextRun)
	t.LastRunAt = millisPtr(lastRun)
	return &t, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func rawOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
